package verification

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
)

const (
	recipient = "abababababababababababababababababababab"
	hash      = "0x2222222222222222222222222222222222222222222222222222222222222222"
)

// stepOracle replays responses in order and repeats the last one.
type stepOracle struct {
	mu    sync.Mutex
	steps []step
	calls int
}

type step struct {
	sighting *models.TxSighting
	err      error
}

func (o *stepOracle) GetTransaction(ctx context.Context, _ string) (*models.TxSighting, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.calls
	if i >= len(o.steps) {
		i = len(o.steps) - 1
	}
	o.calls++
	return o.steps[i].sighting, o.steps[i].err
}

func (o *stepOracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func seen(value int64, block, head uint64) *models.TxSighting {
	return &models.TxSighting{
		Found:       true,
		From:        "cdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcd",
		To:          recipient,
		Value:       big.NewInt(value),
		BlockHeight: block,
		ChainHeight: head,
		Succeeded:   true,
	}
}

func fastEngine(oracle models.LedgerOracle, budget int) *Engine {
	return NewEngine(oracle, Settings{
		PollInitialInterval: time.Millisecond,
		PollMaxInterval:     2 * time.Millisecond,
		CallTimeout:         time.Second,
		RetryBudget:         budget,
	}, logger.NewNopLogger())
}

func terms(min int64, confirmations uint64) Terms {
	return Terms{
		Recipient:     "0x" + "ABABABABABABABABABABABABABABABABABABABAB",
		MinimumAmount: big.NewInt(min),
		Confirmations: confirmations,
		MaxWait:       5 * time.Second,
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		sighting *models.TxSighting
		kind     models.VerdictKind
		reason   models.RejectReason
	}{
		{"not mined", &models.TxSighting{Found: false}, models.VerdictPending, ""},
		{"below depth", seen(100, 10, 12), models.VerdictPending, ""},
		{"exactly at depth", seen(100, 10, 13), models.VerdictConfirmed, ""},
		{"overpaid", seen(150, 10, 20), models.VerdictConfirmed, ""},
		{"underpaid below depth", seen(99, 10, 10), models.VerdictRejected, models.ReasonMismatchedTerms},
		{"underpaid deep", seen(99, 10, 100), models.VerdictRejected, models.ReasonMismatchedTerms},
		{"wrong recipient", func() *models.TxSighting {
			s := seen(100, 10, 20)
			s.To = "0000000000000000000000000000000000000001"
			return s
		}(), models.VerdictRejected, models.ReasonMismatchedTerms},
		{"reverted", func() *models.TxSighting {
			s := seen(100, 10, 20)
			s.Succeeded = false
			return s
		}(), models.VerdictRejected, models.ReasonTransactionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Evaluate(tt.sighting, terms(100, 3))
			assert.Equal(t, tt.kind, v.Kind)
			assert.Equal(t, tt.reason, v.Reason)
		})
	}
}

func TestVerifyConfirmsOnceDeepEnough(t *testing.T) {
	oracle := &stepOracle{steps: []step{
		{sighting: &models.TxSighting{Found: false}},
		{sighting: seen(100, 10, 11)},
		{sighting: seen(100, 10, 12)},
		{sighting: seen(100, 10, 13)},
	}}
	var pending []models.Verdict
	v, err := fastEngine(oracle, 3).Verify(context.Background(), hash, terms(100, 3), func(_ string, v models.Verdict) {
		pending = append(pending, v)
	})
	require.NoError(t, err)
	assert.Equal(t, models.VerdictConfirmed, v.Kind)
	assert.Equal(t, uint64(10), v.BlockHeight)
	assert.Equal(t, int64(100), v.Amount.Int64())
	assert.Len(t, pending, 3)
	for _, p := range pending {
		assert.Equal(t, models.VerdictPending, p.Kind)
		assert.Equal(t, 3, p.RetriesRemaining)
	}
}

func TestVerifyUnderpaymentRejectedWithoutWaitingForDepth(t *testing.T) {
	oracle := &stepOracle{steps: []step{{sighting: seen(99, 10, 10)}}}
	v, err := fastEngine(oracle, 3).Verify(context.Background(), hash, terms(100, 12), nil)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictRejected, v.Kind)
	assert.Equal(t, 1, oracle.Calls())
}

func TestVerifyNeverConfirmsBelowDepth(t *testing.T) {
	oracle := &stepOracle{steps: []step{{sighting: seen(100, 10, 15)}}}
	tm := terms(100, 6)
	tm.MaxWait = 50 * time.Millisecond
	v, err := fastEngine(oracle, 3).Verify(context.Background(), hash, tm, nil)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictTimedOut, v.Kind)
	assert.Equal(t, models.ReasonWaitExceeded, v.Reason)
}

func TestVerifyOracleUnavailableTimesOut(t *testing.T) {
	down := models.NewOracleError(models.OracleUnreachable, errors.New("connection refused"))
	oracle := &stepOracle{steps: []step{{err: down}}}
	v, err := fastEngine(oracle, 2).Verify(context.Background(), hash, terms(100, 1), nil)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictTimedOut, v.Kind)
	assert.Equal(t, models.ReasonOracleUnavailable, v.Reason)
	assert.Equal(t, 3, oracle.Calls(), "budget of 2 retries means 3 calls")
}

func TestVerifyFailureCounterResetsOnSuccess(t *testing.T) {
	down := models.NewOracleError(models.OracleRateLimited, errors.New("slow down"))
	oracle := &stepOracle{steps: []step{
		{err: down},
		{err: down},
		{sighting: &models.TxSighting{Found: false}},
		{err: down},
		{err: down},
		{sighting: seen(100, 1, 5)},
	}}
	var remaining []int
	v, err := fastEngine(oracle, 2).Verify(context.Background(), hash, terms(100, 1), func(_ string, p models.Verdict) {
		remaining = append(remaining, p.RetriesRemaining)
	})
	require.NoError(t, err)
	assert.Equal(t, models.VerdictConfirmed, v.Kind)
	assert.Equal(t, []int{1, 0, 2, 1, 0}, remaining)
}

func TestEvaluateDepthBoundary(t *testing.T) {
	const block = 100
	for _, n := range []uint64{0, 1, 12, 1 << 32} {
		tm := terms(100, n)
		if n > 0 {
			below := Evaluate(seen(100, block, block+n-1), tm)
			assert.Equal(t, models.VerdictPending, below.Kind, "depth %d with %d confirmations required", n-1, n)
		}
		at := Evaluate(seen(100, block, block+n), tm)
		assert.Equal(t, models.VerdictConfirmed, at.Kind, "depth %d with %d confirmations required", n, n)
	}
}

func TestVerifyCancelledContext(t *testing.T) {
	oracle := &stepOracle{steps: []step{{sighting: &models.TxSighting{Found: false}}}}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := fastEngine(oracle, 2).Verify(ctx, hash, terms(100, 1), nil)
	assert.ErrorIs(t, err, context.Canceled)
}
