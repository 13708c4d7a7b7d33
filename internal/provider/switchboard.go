package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
)

// ErrNoProviders is returned when the ordered provider list is empty or
// every provider is cooling down.
var ErrNoProviders = errors.New("no providers available")

// ErrSchemaViolation is returned when provider output keeps failing the
// response schema after the allowed retry.
var ErrSchemaViolation = errors.New("response schema violation")

// SwitchboardConfig holds routing settings.
type SwitchboardConfig struct {
	Order           []string `toml:"order"`
	CooldownSeconds int      `toml:"cooldown_seconds"`
}

// Validate checks switchboard configuration
func (c *SwitchboardConfig) Validate() error {
	if len(c.Order) == 0 {
		return errors.WithMessage(ErrNoProviders, "order is required")
	}
	return nil
}

// GraphLogger records operational events in the graph. Optional.
type GraphLogger interface {
	LogSystemEvent(ctx context.Context, eventType, source, severity, details string, chatID int64) error
}

// Switchboard routes calls across an ordered provider list with
// failure-driven promotion. Health state lives behind a mutex; an unhealthy
// provider is skipped until its cooldown expires.
type Switchboard struct {
	logger   *slog.Logger
	order    []Provider
	byName   map[string]Provider
	cooldown time.Duration
	graphLog GraphLogger

	mu             sync.Mutex
	unhealthyUntil map[string]time.Time

	now func() time.Time
}

// NewSwitchboard wires providers in the configured order.
func NewSwitchboard(cfg SwitchboardConfig, providers []Provider, graphLog GraphLogger) (*Switchboard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}

	var order []Provider
	for _, name := range cfg.Order {
		p, ok := byName[name]
		if !ok {
			return nil, errors.Errorf("provider %q in order is not configured", name)
		}
		order = append(order, p)
	}
	if len(order) == 0 {
		return nil, ErrNoProviders
	}

	cooldown := time.Duration(cfg.CooldownSeconds) * time.Second
	if cooldown == 0 {
		cooldown = 30 * time.Second
	}

	return &Switchboard{
		logger:         slog.Default().With("module", "switchboard"),
		order:          order,
		byName:         byName,
		cooldown:       cooldown,
		graphLog:       graphLog,
		unhealthyUntil: make(map[string]time.Time),
		now:            time.Now,
	}, nil
}

// Generate routes one logical call. Each provider is tried at most once;
// retryable failures promote the next provider, fatal failures abort. A
// response schema violation counts as one retry.
func (s *Switchboard) Generate(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	tried := 0
	schemaRetried := false

	for _, p := range s.order {
		if s.isUnhealthy(p.Name()) {
			continue
		}
		tried++

		resp, err := p.Generate(ctx, req)
		if err != nil {
			if IsFatal(err) {
				return nil, err
			}
			lastErr = err
			s.demote(ctx, p.Name(), err)
			continue
		}

		if req.ValidateResponse != nil {
			if verr := req.ValidateResponse(resp.Content); verr != nil {
				s.logger.Warn("response schema violation",
					"provider", p.Name(),
					"error", verr,
				)
				lastErr = errors.WithMessage(ErrSchemaViolation, verr.Error())
				if schemaRetried {
					return nil, lastErr
				}
				schemaRetried = true
				continue
			}
		}

		return resp, nil
	}

	if tried == 0 {
		return nil, ErrNoProviders
	}
	return nil, errors.WithMessage(lastErr, "all providers failed")
}

// GenerateWith calls one named provider directly, bypassing failover. Used
// for the cheap local classifier path.
func (s *Switchboard) GenerateWith(ctx context.Context, name string, req *Request) (*Response, error) {
	p, ok := s.byName[name]
	if !ok {
		return nil, errors.Errorf("unknown provider: %s", name)
	}
	return p.Generate(ctx, req)
}

// Providers returns the configured provider names in routing order.
func (s *Switchboard) Providers() []string {
	names := make([]string, len(s.order))
	for i, p := range s.order {
		names[i] = p.Name()
	}
	return names
}

func (s *Switchboard) isUnhealthy(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.unhealthyUntil[name]
	if !ok {
		return false
	}
	if s.now().After(until) {
		delete(s.unhealthyUntil, name)
		return false
	}
	return true
}

// demote marks a provider unhealthy for the cooldown window and records
// the failover.
func (s *Switchboard) demote(ctx context.Context, name string, cause error) {
	s.mu.Lock()
	s.unhealthyUntil[name] = s.now().Add(s.cooldown)
	s.mu.Unlock()

	metrics.GetOrRegisterCounter("provider_failovers_total", metrics.DefaultRegistry).Inc(1)
	s.logger.Warn("provider demoted",
		"provider", name,
		"cooldown", s.cooldown,
		"error", cause,
	)

	if s.graphLog != nil {
		if err := s.graphLog.LogSystemEvent(ctx, "FALLBACK", name, "warning", cause.Error(), 0); err != nil {
			s.logger.Error("failed to log fallback event", "error", err)
		}
	}
}
