// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSendQueueRunsInOrder(t *testing.T) {
	t.Parallel()
	q := newSendQueue(zerolog.Nop())
	defer q.Stop()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	// Later tasks finish faster than earlier ones; order must still hold.
	for i := 0; i < 10; i++ {
		i := i
		q.Enqueue("task", func(context.Context) error {
			time.Sleep(time.Duration(10-i) * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			if len(order) == 10 {
				close(done)
			}
			mu.Unlock()
			return nil
		})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not drain")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("task %d ran at position %d, order %v", got, i, order)
		}
	}
}

func TestSendQueueSurvivesFailuresAndPanics(t *testing.T) {
	t.Parallel()
	q := newSendQueue(zerolog.Nop())
	defer q.Stop()

	done := make(chan struct{})
	q.Enqueue("fails", func(context.Context) error {
		return fmt.Errorf("delivery failed")
	})
	q.Enqueue("panics", func(context.Context) error {
		panic("boom")
	})
	q.Enqueue("succeeds", func(context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task after failure and panic never ran")
	}
}

func TestSendQueueStopDropsLateTasks(t *testing.T) {
	t.Parallel()
	q := newSendQueue(zerolog.Nop())
	q.Stop()

	// Must neither block nor run the task.
	ran := make(chan struct{}, 1)
	q.Enqueue("late", func(context.Context) error {
		ran <- struct{}{}
		return nil
	})
	select {
	case <-ran:
		t.Fatal("task ran after queue stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJoinGate(t *testing.T) {
	t.Parallel()

	t.Run("nil gate is open", func(t *testing.T) {
		t.Parallel()
		var g *joinGate
		if err := g.Wait(context.Background()); err != nil {
			t.Fatalf("nil gate Wait: %v", err)
		}
		if !g.Resolved() {
			t.Error("nil gate should report resolved")
		}
	})

	t.Run("blocks until resolved", func(t *testing.T) {
		t.Parallel()
		g := newJoinGate()
		if g.Resolved() {
			t.Fatal("fresh gate should not be resolved")
		}
		released := make(chan error, 1)
		go func() {
			released <- g.Wait(context.Background())
		}()
		select {
		case <-released:
			t.Fatal("Wait returned before Resolve")
		case <-time.After(20 * time.Millisecond):
		}
		g.Resolve()
		g.Resolve() // idempotent
		if err := <-released; err != nil {
			t.Fatalf("Wait after Resolve: %v", err)
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		t.Parallel()
		g := newJoinGate()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := g.Wait(ctx); err == nil {
			t.Fatal("Wait should fail on cancelled context")
		}
	})
}
