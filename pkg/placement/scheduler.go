package placement

import (
	"context"
	"sort"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/registry"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

// Replica is one provider holding one chunk.
type Replica struct {
	ChunkID    types.ChunkID
	ProviderID types.ProviderID
	Bytes      int64
}

// Assignment is the committed result of placing a whole file.
type Assignment struct {
	// Chunks maps each chunk to its providers, best ranked first.
	Chunks   map[types.ChunkID][]types.ProviderID
	Replicas []Replica
	// Providers is the distinct set of providers touched, sorted by id.
	Providers []types.ProviderID
}

// Bytes returns the total reserved bytes across all replicas.
func (a *Assignment) Bytes() int64 {
	return lo.SumBy(a.Replicas, func(r Replica) int64 { return r.Bytes })
}

// Scheduler assigns chunk replicas to providers and reserves their capacity.
type Scheduler struct {
	registry *registry.Registry
	metrics  *Metrics
	logger   *zap.Logger
}

func NewScheduler(reg *registry.Registry, metrics *Metrics, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		registry: reg,
		metrics:  metrics,
		logger:   logger,
	}
}

// Place assigns every chunk to redundancy distinct providers, ranked by score
// with ties broken by id. All reservations for the file are made in a single
// registry transaction: if any chunk cannot be satisfied, or fewer than
// minDistinct providers end up used across the file, nothing is reserved.
func (s *Scheduler) Place(ctx context.Context, chunks []types.Chunk, redundancy, minDistinct int) (*Assignment, error) {
	const op = "place"
	start := time.Now()

	if len(chunks) == 0 {
		return nil, types.NewError(types.KindValidation, op, "no chunks to place")
	}
	if redundancy < 1 {
		return nil, types.Errorf(types.KindValidation, op, "redundancy must be at least 1, got %d", redundancy)
	}
	if minDistinct < 1 {
		return nil, types.Errorf(types.KindValidation, op, "min distinct providers must be at least 1, got %d", minDistinct)
	}
	for _, c := range chunks {
		if c.SizeBytes <= 0 {
			return nil, types.Errorf(types.KindValidation, op, "chunk %s has invalid size %d", c.ID, c.SizeBytes)
		}
	}

	s.observe(func(m *Metrics) { m.Operations.Inc() })

	assignment := &Assignment{
		Chunks: make(map[types.ChunkID][]types.ProviderID, len(chunks)),
	}
	err := s.registry.Transact(func(tx *registry.Tx) error {
		distinct := make(map[types.ProviderID]bool)

		for _, chunk := range chunks {
			if err := ctx.Err(); err != nil {
				return err
			}

			candidates := tx.Ranked(chunk.SizeBytes, redundancy, nil)
			if len(candidates) < redundancy {
				return types.Errorf(types.KindInsufficientProviders, op,
					"chunk %s needs %d providers with %d bytes free, found %d",
					chunk.ID, redundancy, chunk.SizeBytes, len(candidates))
			}

			for _, p := range candidates {
				if err := tx.Reserve(p.ID, chunk.SizeBytes); err != nil {
					return err
				}
				assignment.Chunks[chunk.ID] = append(assignment.Chunks[chunk.ID], p.ID)
				assignment.Replicas = append(assignment.Replicas, Replica{
					ChunkID:    chunk.ID,
					ProviderID: p.ID,
					Bytes:      chunk.SizeBytes,
				})
				distinct[p.ID] = true
			}
		}

		if len(distinct) < minDistinct {
			return types.Errorf(types.KindInsufficientProviders, op,
				"placement used %d distinct providers, need %d", len(distinct), minDistinct)
		}

		assignment.Providers = lo.Keys(distinct)
		sort.Slice(assignment.Providers, func(i, j int) bool {
			return assignment.Providers[i] < assignment.Providers[j]
		})
		return nil
	})

	s.observe(func(m *Metrics) { m.Latency.Observe(time.Since(start).Seconds()) })

	if err != nil {
		s.observe(func(m *Metrics) { m.Failures.WithLabelValues(types.KindOf(err).String()).Inc() })
		s.logger.Warn("Placement rolled back",
			zap.Int("chunks", len(chunks)),
			zap.Int("redundancy", redundancy),
			zap.Int("min_distinct", minDistinct),
			zap.Error(err))
		return nil, err
	}

	s.observe(func(m *Metrics) { m.Replicas.Add(float64(len(assignment.Replicas))) })
	s.logger.Debug("Placement committed",
		zap.Int("chunks", len(chunks)),
		zap.Int("replicas", len(assignment.Replicas)),
		zap.Int("providers", len(assignment.Providers)),
		zap.Duration("took", time.Since(start)))

	return assignment, nil
}

// Release returns every reservation held by the assignment. Release keeps
// going past individual failures and reports them together.
func (s *Scheduler) Release(a *Assignment) error {
	if a == nil {
		return nil
	}

	var errs error
	for _, r := range a.Replicas {
		errs = multierr.Append(errs, s.registry.Release(r.ProviderID, r.Bytes))
	}

	released := len(a.Replicas) - len(multierr.Errors(errs))
	s.observe(func(m *Metrics) { m.Released.Add(float64(released)) })

	if errs != nil {
		s.logger.Warn("Placement release incomplete", zap.Error(errs))
	}
	return errs
}

func (s *Scheduler) observe(fn func(*Metrics)) {
	if s.metrics != nil {
		fn(s.metrics)
	}
}
