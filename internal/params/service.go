// Package params serves the governed protocol parameters to every other
// component. Reads go through a short cache; writes happen only inside
// governance execution, via the Writer handed out at wiring time. The pause
// flag is safety-critical and always reads through to the store.
package params

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ocx/marketd/internal/config"
	"github.com/ocx/marketd/internal/domain"
	"github.com/ocx/marketd/internal/events"
	"github.com/ocx/marketd/internal/storage"
)

// Recognized parameter names.
const (
	ProtocolFeePercentage     = "protocol_fee_percentage"
	ClientFeePercentage       = "client_fee_percentage"
	EscrowHoldDurationDays    = "escrow_hold_duration_days"
	DisputeWindowDays         = "dispute_window_days"
	EmergencyPauseEnabled     = "emergency_pause_enabled"
	ProofValidityDaysDefault  = "proof_validity_days_default"
	VendorResponseWindowHours = "vendor_response_window_hours"
)

// cacheTTL bounds how stale a cached parameter may be. Rate-limited
// decisions tolerate this; the pause flag does not and bypasses the cache.
const cacheTTL = 5 * time.Second

type cached struct {
	value   string
	expires time.Time
}

// Service is the process-wide read-through view of the parameter table.
type Service struct {
	store   storage.Store
	cache   Cache // optional second-level cache (Redis); nil is fine
	emitter events.Emitter

	mu    sync.RWMutex
	local map[string]cached

	nowFn func() time.Time
}

// New creates the params service. cache may be nil.
func New(store storage.Store, cache Cache, emitter events.Emitter) *Service {
	return &Service{
		store:   store,
		cache:   cache,
		emitter: emitter,
		local:   make(map[string]cached),
		nowFn:   time.Now,
	}
}

// SetNowFunc overrides the clock; tests only.
func (s *Service) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

// Bootstrap seeds missing parameters from the boot config. Existing rows
// are never overwritten; governance owns them after first boot.
func (s *Service) Bootstrap(ctx context.Context, cfg config.ProtocolConfig) error {
	seeds := map[string]string{
		ProtocolFeePercentage:     strconv.FormatFloat(cfg.ProtocolFeePercentage, 'f', -1, 64),
		ClientFeePercentage:       strconv.FormatFloat(cfg.ClientFeePercentage, 'f', -1, 64),
		EscrowHoldDurationDays:    strconv.Itoa(cfg.EscrowHoldDurationDays),
		DisputeWindowDays:         strconv.Itoa(cfg.DisputeWindowDays),
		EmergencyPauseEnabled:     strconv.FormatBool(cfg.EmergencyPauseEnabled),
		ProofValidityDaysDefault:  strconv.Itoa(cfg.ProofValidityDaysDefault),
		VendorResponseWindowHours: strconv.Itoa(cfg.VendorResponseWindowHours),
	}
	now := s.nowFn()
	return s.store.Update(ctx, func(tx storage.Tx) error {
		for name, value := range seeds {
			if _, err := tx.GetParameter(name); err == nil {
				continue
			}
			p := &domain.Parameter{
				Name:         name,
				Value:        value,
				UpdatedBy:    "bootstrap",
				UpdatedAt:    now,
				ChangeReason: "initial seed",
			}
			if err := tx.PutParameter(p); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns the current value of a parameter, read-through with a short
// cache.
func (s *Service) Get(ctx context.Context, name string) (string, error) {
	now := s.nowFn()

	s.mu.RLock()
	if c, ok := s.local[name]; ok && c.expires.After(now) {
		s.mu.RUnlock()
		return c.value, nil
	}
	s.mu.RUnlock()

	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, cacheKey(name)); err == nil && raw != nil {
			s.memoize(name, string(raw), now)
			return string(raw), nil
		}
	}

	value, err := s.readThrough(ctx, name)
	if err != nil {
		return "", err
	}
	s.memoize(name, value, now)
	if s.cache != nil {
		s.cache.Set(ctx, cacheKey(name), []byte(value), cacheTTL)
	}
	return value, nil
}

// GetParameter returns the full parameter row, including the previous value
// and change attribution. Always hits the store; callers wanting the cached
// value use Get.
func (s *Service) GetParameter(ctx context.Context, name string) (*domain.Parameter, error) {
	var p *domain.Parameter
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		p, err = tx.GetParameter(name)
		if err != nil {
			return fmt.Errorf("parameter %s: %w", name, err)
		}
		return nil
	})
	return p, err
}

// GetFloat returns a numeric parameter.
func (s *Service) GetFloat(ctx context.Context, name string) (float64, error) {
	raw, err := s.Get(ctx, name)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parameter %s is not numeric: %w", name, domain.ErrInternal)
	}
	return v, nil
}

// GetInt returns an integer parameter.
func (s *Service) GetInt(ctx context.Context, name string) (int, error) {
	raw, err := s.Get(ctx, name)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parameter %s is not an integer: %w", name, domain.ErrInternal)
	}
	return v, nil
}

// GetBool returns a boolean parameter.
func (s *Service) GetBool(ctx context.Context, name string) (bool, error) {
	raw, err := s.Get(ctx, name)
	if err != nil {
		return false, err
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parameter %s is not a bool: %w", name, domain.ErrInternal)
	}
	return v, nil
}

// RequireActive is the pause gate consulted at the entry of every mutating
// operation of order, logistics and trust. It always reads through.
func (s *Service) RequireActive(ctx context.Context) error {
	raw, err := s.readThrough(ctx, EmergencyPauseEnabled)
	if err != nil {
		return err
	}
	paused, _ := strconv.ParseBool(raw)
	if paused {
		return domain.ErrSystemPaused
	}
	return nil
}

// List returns all parameters with their change records.
func (s *Service) List(ctx context.Context) ([]domain.Parameter, error) {
	var out []domain.Parameter
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListParameters()
		return err
	})
	return out, err
}

func (s *Service) readThrough(ctx context.Context, name string) (string, error) {
	var value string
	err := s.store.View(ctx, func(tx storage.Tx) error {
		p, err := tx.GetParameter(name)
		if err != nil {
			return fmt.Errorf("parameter %s: %w", name, err)
		}
		value = p.Value
		return nil
	})
	return value, err
}

func (s *Service) memoize(name, value string, now time.Time) {
	s.mu.Lock()
	s.local[name] = cached{value: value, expires: now.Add(cacheTTL)}
	s.mu.Unlock()
}

// invalidate drops a parameter from both cache layers after a governed
// write.
func (s *Service) invalidate(ctx context.Context, name string) {
	s.mu.Lock()
	delete(s.local, name)
	s.mu.Unlock()
	if s.cache != nil {
		s.cache.Del(ctx, cacheKey(name))
	}
}

func cacheKey(name string) string { return "marketd:params:" + name }

// Writer is the only path that mutates parameters. It is handed to the
// governance executor at wiring time and nowhere else.
type Writer struct {
	s *Service
}

// GovernanceWriter returns the write handle for the governance executor.
func (s *Service) GovernanceWriter() *Writer { return &Writer{s: s} }

// SetInTx writes a parameter inside the caller's transaction, capturing the
// previous value in the change record. The caller (governance execution)
// must invoke NotifyChanged after its transaction commits.
func (w *Writer) SetInTx(tx storage.Tx, name, value, updatedBy, reason string) error {
	previous := ""
	if existing, err := tx.GetParameter(name); err == nil {
		previous = existing.Value
	}
	return tx.PutParameter(&domain.Parameter{
		Name:          name,
		Value:         value,
		PreviousValue: previous,
		UpdatedBy:     updatedBy,
		UpdatedAt:     w.s.nowFn(),
		ChangeReason:  reason,
	})
}

// NotifyChanged invalidates caches and emits the change event; call after
// commit.
func (w *Writer) NotifyChanged(ctx context.Context, name, previous, value, updatedBy string) {
	w.s.invalidate(ctx, name)
	if w.s.emitter != nil {
		w.s.emitter.Emit(events.TypeParameterChanged, "params", name, map[string]interface{}{
			"name":       name,
			"previous":   previous,
			"value":      value,
			"updated_by": updatedBy,
		})
	}
}
