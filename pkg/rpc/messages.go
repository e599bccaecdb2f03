package rpc

import (
	"time"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/events"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

type Empty struct{}

type RegisterProviderRequest struct {
	Capacity int64             `json:"capacity"`
	Price    types.TokenAmount `json:"price"`
	Endpoint string            `json:"endpoint"`
}

type RegisterProviderResponse struct {
	ProviderID types.ProviderID `json:"provider_id"`
}

type ProviderRequest struct {
	ProviderID types.ProviderID `json:"provider_id"`
}

type SetVerifiedRequest struct {
	ProviderID types.ProviderID `json:"provider_id"`
	Verified   bool             `json:"verified"`
}

type ProviderResponse struct {
	Provider types.StorageProvider `json:"provider"`
}

type ListProvidersResponse struct {
	Providers []types.StorageProvider `json:"providers"`
}

type CreateDealRequest struct {
	ProviderID types.ProviderID  `json:"provider_id"`
	FileSize   int64             `json:"file_size"`
	Duration   time.Duration     `json:"duration"`
	Payment    types.TokenAmount `json:"payment"`
}

type CreateDealResponse struct {
	DealID types.DealID `json:"deal_id"`
}

type DealRequest struct {
	DealID types.DealID `json:"deal_id"`
}

type SubmitProofRequest struct {
	DealID    types.DealID `json:"deal_id"`
	ProofHash string       `json:"proof_hash"`
}

type DealResponse struct {
	Deal types.Deal `json:"deal"`
}

type ListDealsRequest struct {
	ProviderID types.ProviderID `json:"provider_id,omitempty"`
	Renter     types.Address    `json:"renter,omitempty"`
	// Status filters by DealStatus.String(); empty matches every status.
	Status string `json:"status,omitempty"`
}

type ListDealsResponse struct {
	Deals []types.Deal `json:"deals"`
}

type SweepResponse struct {
	Completed []types.DealID `json:"completed"`
}

type UploadFileRequest struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

type FileRequest struct {
	FileID types.FileID `json:"file_id"`
}

type FileResponse struct {
	File   types.File    `json:"file"`
	Chunks []types.Chunk `json:"chunks,omitempty"`
}

type DownloadFileResponse struct {
	Data []byte `json:"data"`
}

type ListFilesRequest struct {
	Uploader types.Address `json:"uploader,omitempty"`
}

type ListFilesResponse struct {
	Files []types.File `json:"files"`
}

type StatsResponse struct {
	Stats *types.NetworkStats `json:"stats,omitempty"`
}

type EventsRequest struct {
	After uint64 `json:"after"`
	Limit int    `json:"limit"`
}

type EventsResponse struct {
	Events []events.Event `json:"events"`
}
