package storage

import (
	"context"
	"fmt"
	"log/slog"
)

// NamedBackend pairs a backend with the name it reports under in Stats.
type NamedBackend struct {
	Name    string
	Backend Backend
}

// CompositeStore layers an ordered list of backends. Writes either fail
// over (first success wins) or broadcast to every backend; reads always go
// to the first available backend and never fan out.
type CompositeStore struct {
	backends  []NamedBackend
	broadcast bool
	log       *slog.Logger
}

// NewCompositeStore wraps backends in priority order. With broadcast set,
// Store attempts every backend instead of stopping at the first success.
func NewCompositeStore(backends []NamedBackend, broadcast bool, log *slog.Logger) *CompositeStore {
	if log == nil {
		log = slog.Default()
	}
	return &CompositeStore{backends: backends, broadcast: broadcast, log: log}
}

// first returns the first backend reporting itself available.
func (s *CompositeStore) first(ctx context.Context) (NamedBackend, error) {
	for _, b := range s.backends {
		if b.Backend.IsAvailable(ctx) {
			return b, nil
		}
	}
	return NamedBackend{}, fmt.Errorf("no storage backend available")
}

func (s *CompositeStore) Store(ctx context.Context, r *Record) error {
	if s.broadcast {
		ok := false
		for _, b := range s.backends {
			if err := b.Backend.Store(ctx, r); err != nil {
				s.log.Warn("broadcast store failed", "backend", b.Name, "request_id", r.RequestID, "error", err)
				continue
			}
			ok = true
		}
		if !ok {
			return fmt.Errorf("all %d backends failed", len(s.backends))
		}
		return nil
	}

	// Failover: stop at the first backend that takes the record.
	var lastErr error
	for _, b := range s.backends {
		if err := b.Backend.Store(ctx, r); err != nil {
			s.log.Warn("store failed, trying next backend", "backend", b.Name, "error", err)
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no backends configured")
	}
	return lastErr
}

func (s *CompositeStore) StoreBatch(ctx context.Context, recs []*Record) (int, error) {
	if s.broadcast {
		best := 0
		var firstErr error
		for _, b := range s.backends {
			n, err := b.Backend.StoreBatch(ctx, recs)
			if err != nil {
				s.log.Warn("broadcast batch failed", "backend", b.Name, "stored", n, "error", err)
				if firstErr == nil {
					firstErr = err
				}
			}
			if n > best {
				best = n
			}
		}
		if best == 0 && firstErr != nil {
			return 0, firstErr
		}
		return best, nil
	}

	var lastErr error
	for _, b := range s.backends {
		n, err := b.Backend.StoreBatch(ctx, recs)
		if err != nil {
			s.log.Warn("batch failed, trying next backend", "backend", b.Name, "stored", n, "error", err)
			lastErr = err
			continue
		}
		return n, nil
	}
	return 0, lastErr
}

func (s *CompositeStore) Retrieve(ctx context.Context, c Criteria) ([]*Record, error) {
	b, err := s.first(ctx)
	if err != nil {
		return nil, err
	}
	return b.Backend.Retrieve(ctx, c)
}

func (s *CompositeStore) FindByRequestID(ctx context.Context, id string) (*Record, error) {
	b, err := s.first(ctx)
	if err != nil {
		return nil, err
	}
	return b.Backend.FindByRequestID(ctx, id)
}

func (s *CompositeStore) Delete(ctx context.Context, c Criteria) (int, error) {
	b, err := s.first(ctx)
	if err != nil {
		return 0, err
	}
	return b.Backend.Delete(ctx, c)
}

func (s *CompositeStore) DeleteByRequestID(ctx context.Context, id string) (int, error) {
	b, err := s.first(ctx)
	if err != nil {
		return 0, err
	}
	return b.Backend.DeleteByRequestID(ctx, id)
}

func (s *CompositeStore) Clean(ctx context.Context, normalDays, errorDays int) (int, error) {
	b, err := s.first(ctx)
	if err != nil {
		return 0, err
	}
	return b.Backend.Clean(ctx, normalDays, errorDays)
}

func (s *CompositeStore) Count(ctx context.Context, c Criteria) (int, error) {
	b, err := s.first(ctx)
	if err != nil {
		return 0, err
	}
	return b.Backend.Count(ctx, c)
}

func (s *CompositeStore) IsAvailable(ctx context.Context) bool {
	for _, b := range s.backends {
		if b.Backend.IsAvailable(ctx) {
			return true
		}
	}
	return false
}

// Stats reports per-backend statistics keyed by backend name.
func (s *CompositeStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{"storage_type": "fallback"}
	for _, b := range s.backends {
		bs, err := b.Backend.Stats(ctx)
		if err != nil {
			st[b.Name] = Stats{"error": err.Error()}
			continue
		}
		st[b.Name] = bs
	}
	return st, nil
}

func (s *CompositeStore) Close() error {
	var firstErr error
	for _, b := range s.backends {
		if err := b.Backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
