package resonancegraphs

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
)

func TestWaitReady(t *testing.T) {
	logger := logging.NewTestLogger(t)

	t.Run("ready after three polls", func(t *testing.T) {
		s := newFakeSession()
		s.readyAfter = 3
		if err := WaitReady(context.Background(), s, time.Millisecond, logger); err != nil {
			t.Fatalf("WaitReady failed: %v", err)
		}
		if s.infoCalls != 3 {
			t.Errorf("expected 3 polls, got %d", s.infoCalls)
		}
		if s.announced != 1 {
			t.Errorf("expected one announcement, got %d", s.announced)
		}
	})

	t.Run("never ready until cancelled", func(t *testing.T) {
		s := newFakeSession()
		s.readyAfter = 1 << 30
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := WaitReady(ctx, s, time.Millisecond, logger)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
		if s.announced != 0 {
			t.Errorf("expected no announcement, got %d", s.announced)
		}
	})

	t.Run("query failures are retried", func(t *testing.T) {
		s := newFakeSession()
		_ = s.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		if err := WaitReady(ctx, s, time.Millisecond, logger); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})
}
