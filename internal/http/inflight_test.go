package http

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestInFlightTracker_ConcurrentCount(t *testing.T) {
	tracker := &InFlightTracker{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.Increment()
		}()
	}
	wg.Wait()
	if got := tracker.Count(); got != 50 {
		t.Fatalf("Count() = %d, want 50", got)
	}
	for i := 0; i < 50; i++ {
		tracker.Decrement()
	}
	if got := tracker.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}

func TestInFlightTracker_WaitForZero(t *testing.T) {
	tests := []struct {
		name     string
		pending  int
		release  bool
		cancel   bool
		interval time.Duration
		wantErr  error
	}{
		{"idle returns immediately", 0, false, false, time.Millisecond, nil},
		{"drains after release", 2, true, false, time.Millisecond, nil},
		{"default interval", 1, true, false, 0, nil},
		{"cancelled context", 1, false, true, time.Millisecond, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := &InFlightTracker{}
			for i := 0; i < tt.pending; i++ {
				tracker.Increment()
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if tt.cancel {
				cancel()
			}
			if tt.release {
				go func() {
					time.Sleep(5 * time.Millisecond)
					for i := 0; i < tt.pending; i++ {
						tracker.Decrement()
					}
				}()
			}

			err := tracker.WaitForZero(ctx, tt.interval)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("WaitForZero() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
