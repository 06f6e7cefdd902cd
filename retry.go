package taskmesh

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// RetryConfig controls retry behavior for peer operations.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, first try
	// included.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`
	// BackoffMultiplier grows the delay after each failure.
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	// Jitter adds up to this fraction of random variation to each
	// delay so peers retrying together spread out.
	Jitter float64 `json:"jitter" yaml:"jitter"`
	// RetryIf decides whether an error is worth retrying. Nil retries
	// everything.
	RetryIf func(error) bool `json:"-" yaml:"-"`
}

// DefaultRetryConfig returns settings suited to LAN peer calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

// Retryer executes operations with exponential backoff.
type Retryer struct {
	config RetryConfig
}

// NewRetryer returns a retryer, filling in defaults for zero fields.
func NewRetryer(config RetryConfig) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 200 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 5 * time.Second
	}
	if config.BackoffMultiplier <= 1 {
		config.BackoffMultiplier = 2.0
	}
	return &Retryer{config: config}
}

// Do runs fn until it succeeds, the attempts run out, or ctx is done.
// The last error is returned wrapped with the attempt count.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := DoWithResult(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithResult is Do for operations that return a value.
func DoWithResult[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	backoff := r.config.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if r.config.RetryIf != nil && !r.config.RetryIf(err) {
			return zero, err
		}
		if attempt == r.config.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(r.addJitter(backoff)):
		}
		backoff = time.Duration(float64(backoff) * r.config.BackoffMultiplier)
		if backoff > r.config.MaxBackoff {
			backoff = r.config.MaxBackoff
		}
	}
	return zero, fmt.Errorf("after %d attempts: %w", r.config.MaxAttempts, lastErr)
}

func (r *Retryer) addJitter(d time.Duration) time.Duration {
	if r.config.Jitter <= 0 {
		return d
	}
	jitter := rand.Float64() * r.config.Jitter * float64(d)
	return d + time.Duration(jitter)
}

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"timed out",
	"broken pipe",
	"no route to host",
	"network is unreachable",
	"service unavailable",
	"too many requests",
	"503",
	"502",
	"504",
	"429",
}

// IsRetryable reports whether an error looks like a transient network
// or availability failure. Context cancellation and protocol errors are
// never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Recoverable()
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// ErrCircuitOpen is returned when the circuit breaker is rejecting
// requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker stops hammering a peer that keeps failing. After
// maxFailures consecutive failures the circuit opens and requests fail
// fast; after resetTimeout one probe request is allowed through, and
// its outcome closes or reopens the circuit.
type CircuitBreaker struct {
	mu           sync.Mutex
	maxFailures  int
	resetTimeout time.Duration
	failures     int
	lastFailure  time.Time
	state        circuitState
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
	}
}

// Execute runs fn if the circuit allows it.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	if !cb.allowRequestLocked() {
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	cb.recordResultLocked(err)
	cb.mu.Unlock()
	return err
}

func (cb *CircuitBreaker) allowRequestLocked() bool {
	switch cb.state {
	case circuitOpen:
		if time.Since(cb.lastFailure) >= cb.resetTimeout {
			cb.state = circuitHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) recordResultLocked(err error) {
	if err == nil {
		cb.failures = 0
		cb.state = circuitClosed
		return
	}
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.state == circuitHalfOpen || cb.failures >= cb.maxFailures {
		cb.state = circuitOpen
	}
}

// State returns the breaker state as a string.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
