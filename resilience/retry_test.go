package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nylta/bulk-filing/filing"
)

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2}
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("gateway busy"), 503)
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		return filing.ErrPaymentDeclined
	})

	assert.ErrorIs(t, err, filing.ErrPaymentDeclined)
	assert.Equal(t, 1, calls, "declines must never be retried")
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	retries := 0
	p := fastPolicy(4)
	p.OnRetry = func(int, error) { retries++ }

	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return Transient(errors.New("down"), 502)
	})

	assert.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 3, retries)
}

func TestDo_CancelledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 5, BaseDelay: time.Second, MaxDelay: time.Second}, func(context.Context) error {
		calls++
		cancel()
		return Transient(errors.New("down"), 503)
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoVal_ReturnsValue(t *testing.T) {
	v, err := DoVal(context.Background(), fastPolicy(2), func(context.Context) (string, error) {
		return "txn-1", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "txn-1", v)
}

func TestDelay_CappedAtMax(t *testing.T) {
	p := Policy{Attempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Factor: 2}.normalized()
	assert.Equal(t, 100*time.Millisecond, p.delay(0))
	assert.Equal(t, 200*time.Millisecond, p.delay(1))
	assert.Equal(t, 300*time.Millisecond, p.delay(5))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Transient(errors.New("x"), 500)))
	assert.True(t, IsTransient(filing.ErrTimeout))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(errors.New("bad request")))
	assert.False(t, IsTransient(nil))

	assert.True(t, IsTransientHTTPStatus(429))
	assert.False(t, IsTransientHTTPStatus(400))
}

func TestWithTimeout_MarksDeadline(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, filing.ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	err = WithTimeout(context.Background(), time.Second, func(context.Context) error { return nil })
	assert.NoError(t, err)
}
