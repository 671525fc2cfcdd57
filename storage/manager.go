package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/mnemosyne-app/mnemosyne/interfaces"
)

// Observer receives manager events for metrics. The zero observer is a
// no-op, keeping the manager unit testable without a registry.
type Observer interface {
	UploadObserved(backend interfaces.BackendKind, outcome string, d time.Duration)
	RetryObserved(backend interfaces.BackendKind)
	DeleteObserved(backend interfaces.BackendKind, outcome string)
}

type nopObserver struct{}

func (nopObserver) UploadObserved(interfaces.BackendKind, string, time.Duration) {}
func (nopObserver) RetryObserved(interfaces.BackendKind)                         {}
func (nopObserver) DeleteObserved(interfaces.BackendKind, string)                {}

// ManagerConfig tunes retry, fallback and throttling behavior.
type ManagerConfig struct {
	// FallbackOrder is walked when the requested backend cannot take the
	// upload. Entries without a configured provider are skipped.
	FallbackOrder []interfaces.BackendKind

	// MaxAttempts is the total number of tries against one backend,
	// first attempt included.
	MaxAttempts int

	// BaseDelay is the first backoff delay; attempt n waits
	// BaseDelay * 2^(n-1).
	BaseDelay time.Duration

	// MaxDelay caps a single backoff sleep.
	MaxDelay time.Duration

	// RatePerSecond limits upload attempts per backend. Zero disables
	// limiting.
	RatePerSecond float64

	// BreakerThreshold is the consecutive-failure count that opens a
	// backend's circuit breaker. Zero uses the default of 5.
	BreakerThreshold uint32
}

func (c *ManagerConfig) withDefaults() ManagerConfig {
	out := *c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = 200 * time.Millisecond
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = 30 * time.Second
	}
	if out.BreakerThreshold == 0 {
		out.BreakerThreshold = 5
	}
	return out
}

// Manager orchestrates storage providers: sequential retry with exponential
// backoff against one backend, ordered fallback across backends, and
// concurrent replication to several backends. It is constructed once per
// process and passed by reference; there is no package-level instance.
type Manager struct {
	providers map[interfaces.BackendKind]interfaces.Provider
	cfg       ManagerConfig
	log       *slog.Logger
	obs       Observer

	limiters map[interfaces.BackendKind]*rate.Limiter
	breakers map[interfaces.BackendKind]*gobreaker.CircuitBreaker
}

// NewManager creates a manager over the given providers. A nil observer is
// replaced with a no-op.
func NewManager(providers map[interfaces.BackendKind]interfaces.Provider, cfg ManagerConfig, log *slog.Logger, obs Observer) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if obs == nil {
		obs = nopObserver{}
	}
	cfg = cfg.withDefaults()

	limiters := make(map[interfaces.BackendKind]*rate.Limiter, len(providers))
	breakers := make(map[interfaces.BackendKind]*gobreaker.CircuitBreaker, len(providers))
	for kind := range providers {
		if cfg.RatePerSecond > 0 {
			limiters[kind] = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
		}
		threshold := cfg.BreakerThreshold
		breakers[kind] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    string(kind),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		})
	}

	return &Manager{
		providers: providers,
		cfg:       cfg,
		log:       log,
		obs:       obs,
		limiters:  limiters,
		breakers:  breakers,
	}
}

// Provider returns the provider for a backend kind, if configured.
func (m *Manager) Provider(kind interfaces.BackendKind) (interfaces.Provider, bool) {
	p, ok := m.providers[kind]
	return p, ok
}

// Upload stores one blob on a single backend, walking the fallback order
// when the requested backend is skipped or exhausted. Unavailable backends
// and open breakers are skipped without an attempt; the first success wins.
// When every candidate fails, the error is the *interfaces.UploadError of
// the last backend tried.
func (m *Manager) Upload(ctx context.Context, in interfaces.UploadInput, backend interfaces.BackendKind) (interfaces.UploadResult, error) {
	var lastErr error

	for _, kind := range m.candidates(backend) {
		provider := m.providers[kind]

		if !provider.Available() {
			m.log.Debug("Backend unavailable, falling back",
				slog.String("backend", provider.Name()),
				slog.String("key", in.Key))
			if lastErr == nil {
				lastErr = &interfaces.UploadError{
					Provider: provider.Name(),
					Backend:  kind,
					Err:      interfaces.ErrProviderUnavailable,
				}
			}
			continue
		}

		if m.breakerOpen(kind) {
			m.log.Warn("Backend breaker open, falling back",
				slog.String("backend", provider.Name()),
				slog.String("key", in.Key))
			if lastErr == nil {
				lastErr = &interfaces.UploadError{
					Provider: provider.Name(),
					Backend:  kind,
					Err:      gobreaker.ErrOpenState,
				}
			}
			continue
		}

		result, err := m.uploadWithRetry(ctx, provider, in)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no provider configured for backend %q", backend)
	}
	return interfaces.UploadResult{}, lastErr
}

// Replicate stores one blob on all requested backends concurrently. At least
// one success makes the call succeed; per-backend failures are collected and
// logged. When every backend fails the error is *interfaces.AggregateUploadError
// listing every cause.
func (m *Manager) Replicate(ctx context.Context, in interfaces.UploadInput, backends []interfaces.BackendKind) ([]interfaces.UploadResult, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("no backends requested")
	}

	var (
		mu      sync.Mutex
		results []interfaces.UploadResult
		causes  = make(map[interfaces.BackendKind]error)
		wg      sync.WaitGroup
	)

	for _, kind := range backends {
		provider, ok := m.providers[kind]
		if !ok {
			causes[kind] = fmt.Errorf("no provider configured for backend %q", kind)
			continue
		}

		wg.Add(1)
		go func(kind interfaces.BackendKind, provider interfaces.Provider) {
			defer wg.Done()

			if !provider.Available() {
				mu.Lock()
				causes[kind] = fmt.Errorf("%s: %w", provider.Name(), interfaces.ErrProviderUnavailable)
				mu.Unlock()
				return
			}

			result, err := m.uploadWithRetry(ctx, provider, in)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				causes[kind] = err
				return
			}
			results = append(results, result)
		}(kind, provider)
	}

	wg.Wait()

	if len(results) == 0 {
		return nil, &interfaces.AggregateUploadError{Causes: causes}
	}

	for kind, err := range causes {
		m.log.Warn("Replication to backend failed",
			slog.String("backend", string(kind)),
			slog.String("key", in.Key),
			"err", err)
	}

	return results, nil
}

// Delete removes one blob from one backend with a single call. An
// immutable-backend rejection propagates as *interfaces.DeleteError with
// Immutable set and is never retried.
func (m *Manager) Delete(ctx context.Context, backend interfaces.BackendKind, key string) error {
	provider, ok := m.providers[backend]
	if !ok {
		return &interfaces.DeleteError{
			Backend: backend,
			Key:     key,
			Err:     fmt.Errorf("no provider configured"),
		}
	}

	err := provider.Delete(ctx, key)
	if err == nil {
		m.obs.DeleteObserved(backend, "ok")
		return nil
	}

	if errors.Is(err, interfaces.ErrImmutableBackend) {
		m.obs.DeleteObserved(backend, "immutable")
		return &interfaces.DeleteError{Backend: backend, Key: key, Immutable: true, Err: err}
	}

	m.obs.DeleteObserved(backend, "failed")
	return &interfaces.DeleteError{Backend: backend, Key: key, Err: err}
}

// Fetch retrieves one blob from one backend, used by the derivative
// pipeline to read originals back.
func (m *Manager) Fetch(ctx context.Context, backend interfaces.BackendKind, key string) ([]byte, error) {
	provider, ok := m.providers[backend]
	if !ok {
		return nil, fmt.Errorf("no provider configured for backend %q", backend)
	}
	return provider.Fetch(ctx, key)
}

// uploadWithRetry runs sequential attempts against one provider with
// exponential backoff: attempt n sleeps BaseDelay * 2^(n-1) first. Retries
// within one backend stay sequential so rate limits are not amplified.
func (m *Manager) uploadWithRetry(ctx context.Context, provider interfaces.Provider, in interfaces.UploadInput) (interfaces.UploadResult, error) {
	var (
		result   interfaces.UploadResult
		attempts int
		start    = time.Now()
		kind     = provider.Kind()
	)

	operation := func() error {
		attempts++

		if limiter := m.limiters[kind]; limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		out, err := m.executeThroughBreaker(ctx, provider, in)
		if err == nil {
			result = out
			return nil
		}

		// Unavailability and open breakers are fallback signals, not
		// retry candidates.
		if errors.Is(err, interfaces.ErrProviderUnavailable) || errors.Is(err, gobreaker.ErrOpenState) {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}

		m.obs.RetryObserved(kind)
		m.log.Debug("Upload attempt failed, backing off",
			slog.String("backend", provider.Name()),
			slog.String("key", in.Key),
			slog.Int("attempt", attempts),
			"err", err)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(m.newBackoff(), uint64(m.cfg.MaxAttempts-1)), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		m.obs.UploadObserved(kind, "error", time.Since(start))
		m.log.Error("Upload to backend exhausted",
			slog.String("backend", provider.Name()),
			slog.String("key", in.Key),
			slog.Int("attempts", attempts),
			"err", err)
		return result, &interfaces.UploadError{
			Provider: provider.Name(),
			Backend:  kind,
			Attempts: attempts,
			Err:      err,
		}
	}

	m.obs.UploadObserved(kind, "ok", time.Since(start))
	m.log.Info("Stored blob",
		slog.String("backend", provider.Name()),
		slog.String("key", result.Key),
		slog.Int64("size", result.Size),
		slog.Int("attempts", attempts),
		slog.Duration("duration", time.Since(start)))
	return result, nil
}

func (m *Manager) executeThroughBreaker(ctx context.Context, provider interfaces.Provider, in interfaces.UploadInput) (interfaces.UploadResult, error) {
	breaker := m.breakers[provider.Kind()]
	if breaker == nil {
		return provider.Upload(ctx, in)
	}

	out, err := breaker.Execute(func() (interface{}, error) {
		return provider.Upload(ctx, in)
	})
	if err != nil {
		return interfaces.UploadResult{}, err
	}
	return out.(interfaces.UploadResult), nil
}

func (m *Manager) breakerOpen(kind interfaces.BackendKind) bool {
	breaker := m.breakers[kind]
	return breaker != nil && breaker.State() == gobreaker.StateOpen
}

// newBackoff builds the deterministic doubling schedule: BaseDelay, then
// 2x per attempt, capped at MaxDelay. Jitter is disabled so elapsed time is
// predictable for callers and tests.
func (m *Manager) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = m.cfg.MaxDelay
	b.MaxElapsedTime = 0
	return b
}

// candidates returns the requested backend followed by the fallback order,
// de-duplicated, restricted to configured providers.
func (m *Manager) candidates(backend interfaces.BackendKind) []interfaces.BackendKind {
	seen := make(map[interfaces.BackendKind]bool, len(m.cfg.FallbackOrder)+1)
	out := make([]interfaces.BackendKind, 0, len(m.cfg.FallbackOrder)+1)

	add := func(kind interfaces.BackendKind) {
		if seen[kind] {
			return
		}
		seen[kind] = true
		if _, ok := m.providers[kind]; ok {
			out = append(out, kind)
		}
	}

	add(backend)
	for _, kind := range m.cfg.FallbackOrder {
		add(kind)
	}
	return out
}
