package verification

import (
	"context"
	"math/big"
	"time"

	"github.com/jpillora/backoff"

	"github.com/core-coin/tributum/internal/metrics"
	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
	"github.com/core-coin/tributum/pkg/validation"
)

// Terms are the conditions a transaction must meet to pay a subscription.
type Terms struct {
	// Recipient is the receiving address, compared case-insensitively and without 0x.
	Recipient string
	// MinimumAmount is in the ledger's smallest unit.
	MinimumAmount *big.Int
	// Confirmations is the number of blocks that must be built on top of the transaction's block.
	Confirmations uint64
	// MaxWait bounds one verification run. Zero means no bound.
	MaxWait time.Duration
}

// Settings control the polling schedule.
type Settings struct {
	PollInitialInterval time.Duration
	PollMaxInterval     time.Duration
	CallTimeout         time.Duration
	// RetryBudget is the number of consecutive oracle failures tolerated before giving up.
	RetryBudget int
}

// Observer is told about every non-terminal verdict of a run, including polls the oracle failed to answer.
type Observer func(txHash string, verdict models.Verdict)

// Engine decides whether a transaction hash satisfies payment terms. It keeps no state between runs.
type Engine struct {
	logger   *logger.Logger
	oracle   models.LedgerOracle
	settings Settings
}

func NewEngine(oracle models.LedgerOracle, settings Settings, logger *logger.Logger) *Engine {
	if settings.PollInitialInterval <= 0 {
		settings.PollInitialInterval = 2 * time.Second
	}
	if settings.PollMaxInterval < settings.PollInitialInterval {
		settings.PollMaxInterval = settings.PollInitialInterval
	}
	if settings.CallTimeout <= 0 {
		settings.CallTimeout = 10 * time.Second
	}
	return &Engine{logger: logger, oracle: oracle, settings: settings}
}

// Evaluate classifies a single sighting. Facts that cannot change for a mined transaction
// (recipient, value, execution status) reject immediately at any depth.
func Evaluate(sighting *models.TxSighting, terms Terms) models.Verdict {
	if sighting == nil || !sighting.Found {
		return models.Pending(0)
	}
	if !sighting.Succeeded {
		return models.Rejected(models.ReasonTransactionFailed)
	}
	if validation.NormalizeAddress(sighting.To) != validation.NormalizeAddress(terms.Recipient) {
		return models.Rejected(models.ReasonMismatchedTerms)
	}
	if sighting.Value == nil || (terms.MinimumAmount != nil && sighting.Value.Cmp(terms.MinimumAmount) < 0) {
		return models.Rejected(models.ReasonMismatchedTerms)
	}
	if sighting.Depth() < terms.Confirmations {
		return models.Pending(0)
	}
	return models.Confirmed(new(big.Int).Set(sighting.Value), sighting.From, sighting.To, sighting.BlockHeight)
}

// Verify polls the oracle until the hash reaches a terminal verdict. It returns an error only
// when ctx is cancelled first; the claim then stays unresolved and can be driven again.
func (e *Engine) Verify(ctx context.Context, txHash string, terms Terms, observer Observer) (models.Verdict, error) {
	log := e.logger.With("tx_hash", txHash)
	start := time.Now()
	metrics.VerificationsInFlight.Inc()
	defer metrics.VerificationsInFlight.Dec()

	runCtx, cancel := context.WithCancel(ctx)
	if terms.MaxWait > 0 {
		runCtx, cancel = context.WithTimeout(ctx, terms.MaxWait)
	}
	defer cancel()

	b := &backoff.Backoff{
		Min:    e.settings.PollInitialInterval,
		Max:    e.settings.PollMaxInterval,
		Factor: 2,
		Jitter: true,
	}

	finish := func(v models.Verdict) (models.Verdict, error) {
		metrics.VerificationDuration.Observe(time.Since(start).Seconds())
		metrics.VerdictsTotal.WithLabelValues(string(v.Kind), string(v.Reason)).Inc()
		log.Infow("verification finished", "verdict", v.Kind, "reason", v.Reason, "polls", b.Attempt()+1)
		return v, nil
	}

	failures := 0
	for {
		callCtx, cancelCall := context.WithTimeout(runCtx, e.settings.CallTimeout)
		sighting, err := e.oracle.GetTransaction(callCtx, txHash)
		cancelCall()

		if err != nil {
			if ctx.Err() != nil {
				return models.Verdict{}, ctx.Err()
			}
			if runCtx.Err() != nil {
				return finish(models.TimedOut(models.ReasonWaitExceeded))
			}
			failures++
			log.Warnw("ledger query failed", "error", err, "consecutive_failures", failures)
			if failures > e.settings.RetryBudget {
				return finish(models.TimedOut(models.ReasonOracleUnavailable))
			}
			if observer != nil {
				observer(txHash, models.Pending(e.settings.RetryBudget-failures))
			}
		} else {
			failures = 0
			verdict := Evaluate(sighting, terms)
			if verdict.Terminal() {
				return finish(verdict)
			}
			// an answered poll restores the whole budget
			verdict.RetriesRemaining = e.settings.RetryBudget
			if observer != nil {
				observer(txHash, verdict)
			}
			log.Debugw("transaction not confirmed yet", "found", sighting.Found, "depth", sighting.Depth())
		}

		timer := time.NewTimer(b.Duration())
		select {
		case <-runCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return models.Verdict{}, ctx.Err()
			}
			return finish(models.TimedOut(models.ReasonWaitExceeded))
		case <-timer.C:
		}
	}
}
