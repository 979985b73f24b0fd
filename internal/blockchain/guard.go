package blockchain

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/core-coin/tributum/internal/metrics"
	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
)

// GuardSettings tunes the protection put in front of a ledger node.
type GuardSettings struct {
	// RatePerSecond caps outgoing queries; zero disables the limiter.
	RatePerSecond float64
	Burst         int
	// ConsecutiveFailures opens the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before letting a probe through.
	OpenTimeout time.Duration
}

// DefaultGuardSettings returns settings suitable for a single node.
func DefaultGuardSettings(ratePerSecond float64) GuardSettings {
	return GuardSettings{
		RatePerSecond:       ratePerSecond,
		Burst:               int(ratePerSecond) + 1,
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
	}
}

// Guard rate limits an oracle and stops calling it while it keeps failing.
// Refusals surface as retryable OracleErrors, so callers treat them like any other transient failure.
type Guard struct {
	logger  *logger.Logger
	next    models.LedgerOracle
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
}

var _ models.LedgerOracle = (*Guard)(nil)

func NewGuard(next models.LedgerOracle, settings GuardSettings, logger *logger.Logger) *Guard {
	g := &Guard{logger: logger, next: next}
	if settings.RatePerSecond > 0 {
		burst := settings.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(settings.RatePerSecond), burst)
	}
	failures := settings.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ledger-oracle",
		Timeout: settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warnw("ledger oracle circuit breaker changed state", "from", from.String(), "to", to.String())
			metrics.OracleBreakerState.Set(float64(to))
		},
	})
	return g
}

func (g *Guard) GetTransaction(ctx context.Context, txHash string) (*models.TxSighting, error) {
	if g.limiter != nil && !g.limiter.Allow() {
		metrics.OracleCallsTotal.WithLabelValues(string(models.OracleRateLimited)).Inc()
		return nil, models.NewOracleError(models.OracleRateLimited, errors.New("local query budget exhausted"))
	}

	result, err := g.cb.Execute(func() (interface{}, error) {
		return g.next.GetTransaction(ctx, txHash)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.OracleCallsTotal.WithLabelValues("circuit_open").Inc()
			return nil, models.NewOracleError(models.OracleUnreachable, err)
		}
		var oracleErr *models.OracleError
		if errors.As(err, &oracleErr) {
			metrics.OracleCallsTotal.WithLabelValues(string(oracleErr.Kind)).Inc()
			return nil, err
		}
		metrics.OracleCallsTotal.WithLabelValues(string(models.OracleUnreachable)).Inc()
		return nil, models.NewOracleError(models.OracleUnreachable, err)
	}

	sighting := result.(*models.TxSighting)
	if sighting.Found {
		metrics.OracleCallsTotal.WithLabelValues("found").Inc()
	} else {
		metrics.OracleCallsTotal.WithLabelValues("not_found").Inc()
	}
	return sighting, nil
}

// State returns the breaker state, for health reporting.
func (g *Guard) State() gobreaker.State {
	return g.cb.State()
}
