package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	leveldb "github.com/ipfs/go-ds-leveldb"
	"go.uber.org/zap"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/events"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

var (
	filesPrefix  = ds.NewKey("/files")
	dealsPrefix  = ds.NewKey("/deals")
	eventsPrefix = ds.NewKey("/events")
)

// FileRecord is the durable view of an uploaded file.
type FileRecord struct {
	ID          types.FileID  `json:"id"`
	Uploader    types.Address `json:"uploader"`
	ChunkHashes []string      `json:"chunk_hashes"`
	RecordedAt  time.Time     `json:"recorded_at"`
	Deleted     bool          `json:"deleted"`
	DeletedAt   time.Time     `json:"deleted_at,omitempty"`
}

// DealVoidedStatus marks a deal record closed by recovery rather than by the
// ledger.
const DealVoidedStatus = "voided"

// DealRecord is the durable view of a deal and its settlement amounts.
type DealRecord struct {
	ID              types.DealID       `json:"id"`
	ProviderID      types.ProviderID   `json:"provider_id"`
	Renter          types.Address      `json:"renter"`
	FileSize        int64              `json:"file_size"`
	Price           *types.TokenAmount `json:"price,omitempty"`
	Fee             *types.TokenAmount `json:"fee,omitempty"`
	ProviderPayment *types.TokenAmount `json:"provider_payment,omitempty"`
	Refund          *types.TokenAmount `json:"refund,omitempty"`
	Status          string             `json:"status"`
	ProofHash       string             `json:"proof_hash,omitempty"`
	RecordedAt      time.Time          `json:"recorded_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Store persists the event log and the file and deal records derived from
// it. It is an events.Sink.
type Store struct {
	ds     ds.Datastore
	logger *zap.Logger
}

func NewMemory(logger *zap.Logger) *Store {
	return New(dssync.MutexWrap(ds.NewMapDatastore()), logger)
}

func OpenLevelDB(path string, logger *zap.Logger) (*Store, error) {
	db, err := leveldb.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store at %s: %w", path, err)
	}
	return New(db, logger), nil
}

func New(d ds.Datastore, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{ds: d, logger: logger}
}

// eventKey pads seq so lexical key order matches sequence order.
func eventKey(seq uint64) ds.Key {
	return eventsPrefix.ChildString(fmt.Sprintf("%020d", seq))
}

// HandleEvent appends ev to the log and updates the derived records.
func (s *Store) HandleEvent(ctx context.Context, ev events.Event) error {
	if err := s.putJSON(ctx, eventKey(ev.Seq), ev); err != nil {
		return err
	}

	switch ev.Type {
	case events.FileRecorded:
		return s.putJSON(ctx, filesPrefix.ChildString(string(ev.FileID)), FileRecord{
			ID:          ev.FileID,
			Uploader:    ev.Uploader,
			ChunkHashes: ev.ChunkHashes,
			RecordedAt:  ev.At,
		})

	case events.FileDeleted:
		return s.updateFile(ctx, ev.FileID, func(r *FileRecord) {
			r.Deleted = true
			r.DeletedAt = ev.At
		})

	case events.DealRecorded:
		return s.putJSON(ctx, dealsPrefix.ChildString(string(ev.DealID)), DealRecord{
			ID:              ev.DealID,
			ProviderID:      ev.ProviderID,
			Renter:          ev.Renter,
			FileSize:        ev.FileSize,
			Price:           ev.Price,
			Fee:             ev.Fee,
			ProviderPayment: ev.ProviderPayment,
			Refund:          ev.Refund,
			Status:          types.DealActive.String(),
			RecordedAt:      ev.At,
			UpdatedAt:       ev.At,
		})

	case events.ProofSubmitted:
		return s.updateDeal(ctx, ev.DealID, ev.At, func(r *DealRecord) {
			r.ProofHash = ev.ProofHash
		})

	case events.DealCompleted:
		return s.updateDeal(ctx, ev.DealID, ev.At, func(r *DealRecord) {
			r.Status = types.DealCompleted.String()
		})

	case events.DealCancelled:
		return s.updateDeal(ctx, ev.DealID, ev.At, func(r *DealRecord) {
			r.Status = types.DealCancelled.String()
		})

	case events.DealVoided:
		return s.updateDeal(ctx, ev.DealID, ev.At, func(r *DealRecord) {
			r.Status = DealVoidedStatus
		})
	}
	return nil
}

func (s *Store) File(ctx context.Context, id types.FileID) (FileRecord, error) {
	var r FileRecord
	err := s.getJSON(ctx, filesPrefix.ChildString(string(id)), &r)
	return r, err
}

func (s *Store) Deal(ctx context.Context, id types.DealID) (DealRecord, error) {
	var r DealRecord
	err := s.getJSON(ctx, dealsPrefix.ChildString(string(id)), &r)
	return r, err
}

// LiveFiles returns the file records that have not been deleted.
func (s *Store) LiveFiles(ctx context.Context) ([]FileRecord, error) {
	var out []FileRecord
	err := s.scan(ctx, filesPrefix, func(data []byte) error {
		var r FileRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		if !r.Deleted {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// OpenDeals returns the deal records still marked active.
func (s *Store) OpenDeals(ctx context.Context) ([]DealRecord, error) {
	var out []DealRecord
	err := s.scan(ctx, dealsPrefix, func(data []byte) error {
		var r DealRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		if r.Status == types.DealActive.String() {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

func (s *Store) scan(ctx context.Context, prefix ds.Key, fn func([]byte) error) error {
	results, err := s.ds.Query(ctx, query.Query{
		Prefix: prefix.String(),
		Orders: []query.Order{query.OrderByKey{}},
	})
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", prefix, err)
	}
	defer results.Close()

	for res := range results.Next() {
		if res.Error != nil {
			return fmt.Errorf("failed to read %s: %w", prefix, res.Error)
		}
		if err := fn(res.Value); err != nil {
			return fmt.Errorf("failed to decode %s: %w", res.Key, err)
		}
	}
	return nil
}

// Events returns up to limit events with Seq > after, in order. A limit of
// zero returns everything.
func (s *Store) Events(ctx context.Context, after uint64, limit int) ([]events.Event, error) {
	results, err := s.ds.Query(ctx, query.Query{
		Prefix: eventsPrefix.String(),
		Orders: []query.Order{query.OrderByKey{}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer results.Close()

	var out []events.Event
	for res := range results.Next() {
		if res.Error != nil {
			return nil, fmt.Errorf("failed to read event: %w", res.Error)
		}
		var ev events.Event
		if err := json.Unmarshal(res.Value, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode event %s: %w", res.Key, err)
		}
		if ev.Seq <= after {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// LastSeq returns the highest stored sequence number, or zero.
func (s *Store) LastSeq(ctx context.Context) (uint64, error) {
	results, err := s.ds.Query(ctx, query.Query{
		Prefix:   eventsPrefix.String(),
		KeysOnly: true,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to query events: %w", err)
	}
	entries, err := results.Rest()
	if err != nil {
		return 0, fmt.Errorf("failed to read events: %w", err)
	}

	var last uint64
	for _, e := range entries {
		seq, err := strconv.ParseUint(ds.RawKey(e.Key).BaseNamespace(), 10, 64)
		if err != nil {
			continue
		}
		if seq > last {
			last = seq
		}
	}
	return last, nil
}

func (s *Store) Close() error {
	return s.ds.Close()
}

func (s *Store) updateFile(ctx context.Context, id types.FileID, fn func(*FileRecord)) error {
	key := filesPrefix.ChildString(string(id))
	var r FileRecord
	if err := s.getJSON(ctx, key, &r); err != nil {
		return err
	}
	fn(&r)
	return s.putJSON(ctx, key, r)
}

func (s *Store) updateDeal(ctx context.Context, id types.DealID, at time.Time, fn func(*DealRecord)) error {
	key := dealsPrefix.ChildString(string(id))
	var r DealRecord
	if err := s.getJSON(ctx, key, &r); err != nil {
		return err
	}
	fn(&r)
	r.UpdatedAt = at
	return s.putJSON(ctx, key, r)
}

func (s *Store) putJSON(ctx context.Context, key ds.Key, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.ds.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *Store) getJSON(ctx context.Context, key ds.Key, v interface{}) error {
	data, err := s.ds.Get(ctx, key)
	if errors.Is(err, ds.ErrNotFound) {
		return types.Errorf(types.KindNotFound, "metastore", "%s not found", key)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}
