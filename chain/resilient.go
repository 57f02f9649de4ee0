package chain

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"foundry-backend/retry"
)

// ResilientConfig bounds how long and how often a transfer is attempted.
type ResilientConfig struct {
	Attempts       int           `json:"attempts" yaml:"attempts"`
	BaseDelay      time.Duration `json:"base_delay" yaml:"base_delay"`
	AttemptTimeout time.Duration `json:"attempt_timeout" yaml:"attempt_timeout"`
	TripAfter      uint32        `json:"trip_after" yaml:"trip_after"`
	OpenFor        time.Duration `json:"open_for" yaml:"open_for"`
}

// DefaultResilientConfig is three attempts of at most 5s each.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Attempts:       3,
		BaseDelay:      200 * time.Millisecond,
		AttemptTimeout: 5 * time.Second,
		TripAfter:      5,
		OpenFor:        30 * time.Second,
	}
}

// ResilientPayer wraps a Payer with per-attempt timeouts, bounded retries
// and a circuit breaker. Retrying is safe because every request carries an
// idempotency key.
type ResilientPayer struct {
	next    Payer
	cfg     ResilientConfig
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewResilientPayer wraps next.
func NewResilientPayer(next Payer, cfg ResilientConfig, logger *slog.Logger) *ResilientPayer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "payer")
	trip := cfg.TripAfter
	if trip == 0 {
		trip = 5
	}
	p := &ResilientPayer{next: next, cfg: cfg, logger: logger}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "token-ledger",
		MaxRequests: 1,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isRejection(err)
		},
	})
	return p
}

// State reports the breaker state for health endpoints.
func (p *ResilientPayer) State() string {
	return p.breaker.State().String()
}

// Transfer forwards req, retrying transient failures.
func (p *ResilientPayer) Transfer(ctx context.Context, req TransferRequest) (Receipt, error) {
	var receipt Receipt
	policy := retry.Config{
		Attempts:  p.cfg.Attempts,
		BaseDelay: p.cfg.BaseDelay,
		Report: func(attempt int, err error) error {
			p.logger.Warn("transfer attempt failed", "key", req.IdempotencyKey, "attempt", attempt, "error", err)
			return nil
		},
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		out, err := p.breaker.Execute(func() (interface{}, error) {
			attemptCtx := ctx
			if p.cfg.AttemptTimeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, p.cfg.AttemptTimeout)
				defer cancel()
			}
			return p.next.Transfer(attemptCtx, req)
		})
		switch {
		case err == nil:
			receipt = out.(Receipt)
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return retry.Permanent(ErrUnavailable)
		case isRejection(err):
			return retry.Permanent(err)
		default:
			return err
		}
	})
	return receipt, err
}

// isRejection reports errors that are the request's fault rather than the
// ledger's. They are never retried and never trip the breaker.
func isRejection(err error) bool {
	return errors.Is(err, ErrInvalidTransfer) || errors.Is(err, ErrInsufficientFunds)
}
