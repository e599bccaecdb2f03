package types

import (
	"time"
)

type ProviderID string
type ChunkID string
type FileID string
type DealID string

// Address identifies a caller: a renter, a provider owner or the treasury.
type Address string

type StorageProvider struct {
	ID                 ProviderID
	Owner              Address
	Endpoint           string
	TotalCapacity      int64
	UsedCapacity       int64
	PricePerByteSecond TokenAmount
	Reputation         int64
	UploadCount        int64
	IsActive           bool
	Online             bool
	Verified           bool
	LastSeenAt         time.Time
	RegisteredAt       time.Time
}

// FreeCapacity returns the bytes still available for reservation.
func (p *StorageProvider) FreeCapacity() int64 {
	return p.TotalCapacity - p.UsedCapacity
}

// Score ranks providers by free space relative to load. Higher is better.
func (p *StorageProvider) Score() float64 {
	return float64(p.FreeCapacity()) / float64(p.UploadCount+1)
}

type Chunk struct {
	ID                  ChunkID
	FileID              FileID
	Index               int
	ContentHash         string
	SizeBytes           int64
	AssignedProviderIDs []ProviderID
	CreatedAt           time.Time
}

type File struct {
	ID           FileID
	Name         string
	TotalSize    int64
	ChunkIDs     []ChunkID
	ManifestHash string
	UploaderID   Address
	CreatedAt    time.Time
	IsActive     bool
}

type DealStatus int

const (
	DealActive DealStatus = iota
	DealCompleted
	DealCancelled
)

func (s DealStatus) String() string {
	switch s {
	case DealActive:
		return "active"
	case DealCompleted:
		return "completed"
	case DealCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseDealStatus is the inverse of DealStatus.String.
func ParseDealStatus(s string) (DealStatus, error) {
	for _, st := range []DealStatus{DealActive, DealCompleted, DealCancelled} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, Errorf(KindValidation, "parse deal status", "unknown deal status %q", s)
}

// Terminal reports whether no further transitions are possible.
func (s DealStatus) Terminal() bool {
	return s == DealCompleted || s == DealCancelled
}

type Deal struct {
	ID               DealID
	ProviderID       ProviderID
	RenterID         Address
	FileSize         int64
	PricePerByte     TokenAmount
	Duration         time.Duration
	TotalPrice       TokenAmount
	Fee              TokenAmount
	ProviderPayment  TokenAmount
	// ProviderPaid is set once ProviderPayment has left escrow.
	ProviderPaid     bool
	StartTime        time.Time
	EndTime          time.Time
	Status           DealStatus
	ProofHash        string
	ProofSubmittedAt time.Time
	CreatedAt        time.Time
}

// NetworkStats is recomputed on every health tick and never stored.
type NetworkStats struct {
	TotalProviders     int           `json:"total_providers"`
	ActiveProviders    int           `json:"active_providers"`
	OnlineProviders    int           `json:"online_providers"`
	VerifiedProviders  int           `json:"verified_providers"`
	TotalCapacity      int64         `json:"total_capacity"`
	UsedCapacity       int64         `json:"used_capacity"`
	Utilization        float64       `json:"utilization"`
	TransferSamples    int           `json:"transfer_samples"`
	SuccessRate        float64       `json:"success_rate"`
	AvgThroughput      float64       `json:"avg_throughput"` // bytes per second
	AvgLatency         time.Duration `json:"avg_latency"`
	EstimatedRetrieval time.Duration `json:"estimated_retrieval"`
	HealthScore        float64       `json:"health_score"`
	ComputedAt         time.Time     `json:"computed_at"`
}
