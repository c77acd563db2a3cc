package util

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/domain"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, targetAttempts, attempts)
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	require.Error(t, err)
	assert.Equal(t, maxAttempts, attempts)
}

func TestRetryIfStopsOnPermanentError(t *testing.T) {
	attempts := 0
	permanent := errors.New("bad request")

	err := RetryIf(context.Background(), 5, 0, IsTransient, func() error {
		attempts++
		return permanent
	})

	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
}

func TestRetryIfRetriesTransient(t *testing.T) {
	attempts := 0
	err := RetryIf(context.Background(), 3, 0, IsTransient, func() error {
		attempts++
		if attempts < 3 {
			return MarkTransient(errors.New("503 service unavailable"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, 3, time.Hour, func() error { return errors.New("boom") })
	require.ErrorIs(t, err, context.Canceled)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: errors.New("nope"), want: false},
		{name: "marked", err: MarkTransient(errors.New("429")), want: true},
		{name: "wrapped marked", err: fmt.Errorf("poll: %w", MarkTransient(errors.New("502"))), want: true},
		{name: "reset", err: fmt.Errorf("read: %w", syscall.ECONNRESET), want: true},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, want: true},
		{name: "canceled", err: context.Canceled, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "warn", "json")
	log.Info("hidden")
	log.Warn("shown", "k", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	newLogger(&buf, "debug", "text").Debug("hello")
	assert.Contains(t, buf.String(), "msg=hello")

	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestRateLimiter(t *testing.T) {
	rl := NewBurstLimiter(60, 2)
	require.NoError(t, rl.Wait(context.Background()))
	require.NoError(t, rl.Wait(context.Background()))

	// The bucket is empty; the next token is about a second away.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, rl.Wait(ctx), context.DeadlineExceeded)
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl := NewRateLimiter(0)
	for i := 0; i < 100; i++ {
		require.NoError(t, rl.Wait(context.Background()))
	}
}

func TestTradingCalendar(t *testing.T) {
	cal := NewTradingCalendar(domain.MarketUS)
	require.NotNil(t, cal)

	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tz database unavailable")
	}
	tuesdayOpen := time.Date(2025, time.March, 4, 10, 0, 0, 0, ny)
	assert.True(t, cal.IsMarketOpen(tuesdayOpen))
	assert.False(t, cal.IsMarketOpen(time.Date(2025, time.March, 4, 17, 0, 0, 0, ny)))

	saturday := time.Date(2025, time.March, 8, 12, 0, 0, 0, ny)
	assert.False(t, cal.IsMarketOpen(saturday))
	next := cal.NextOpen(saturday)
	assert.Equal(t, time.Monday, next.Weekday())
	assert.Equal(t, 9, next.Hour())
	assert.Equal(t, 30, next.Minute())

	assert.True(t, NewTradingCalendar(domain.MarketCrypto).IsMarketOpen(saturday))
}
