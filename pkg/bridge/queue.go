// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// sendQueueBuffer bounds how many inbound Slack events can be waiting for
// delivery into one Matrix room before enqueueing applies backpressure.
const sendQueueBuffer = 64

type queuedTask struct {
	name string
	fn   func(context.Context) error
}

// sendQueue serializes Slack-to-Matrix delivery within one room. Tasks run
// strictly in enqueue order on a single goroutine; a failure (or panic) in one
// task is logged and does not stop later tasks. The queue lives as long as the
// room that owns it.
type sendQueue struct {
	log   zerolog.Logger
	tasks chan queuedTask

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newSendQueue(log zerolog.Logger) *sendQueue {
	q := &sendQueue{
		log:   log,
		tasks: make(chan queuedTask, sendQueueBuffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue appends a task to the room's delivery chain. It blocks only when the
// queue buffer is full, which keeps arrival order intact under load.
func (q *sendQueue) Enqueue(name string, fn func(context.Context) error) {
	select {
	case <-q.stop:
		q.log.Debug().Str("task", name).Msg("Dropping task enqueued after queue stop")
	case q.tasks <- queuedTask{name: name, fn: fn}:
	}
}

func (q *sendQueue) run() {
	defer close(q.done)
	ctx := context.Background()
	for {
		select {
		case <-q.stop:
			return
		case task := <-q.tasks:
			q.runTask(ctx, task)
		}
	}
}

// runTask executes a single task, isolating errors and panics so the chain
// survives for subsequent events.
func (q *sendQueue) runTask(ctx context.Context, task queuedTask) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Interface("panic", r).Str("task", task.name).Msg("Panic in queued task")
		}
	}()
	if err := task.fn(ctx); err != nil {
		q.log.Error().Err(err).Str("task", task.name).Msg("Queued task failed")
	}
}

// Stop shuts the queue down. Tasks still buffered are discarded.
func (q *sendQueue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stop)
	})
	<-q.done
}
