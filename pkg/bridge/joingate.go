// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"sync"
)

// joinGate defers Slack-to-Matrix delivery in encrypted direct and group rooms
// until a real Matrix user has joined. Encryption key distribution needs an
// active member on the Matrix side, so the first messages would otherwise be
// undecryptable. The gate is one-shot: the first join resolves it permanently.
type joinGate struct {
	once sync.Once
	ch   chan struct{}
}

func newJoinGate() *joinGate {
	return &joinGate{ch: make(chan struct{})}
}

// Resolve opens the gate. Safe to call any number of times.
func (g *joinGate) Resolve() {
	g.once.Do(func() {
		close(g.ch)
	})
}

// Wait blocks until the gate is resolved or the context ends. A nil gate is
// always open.
func (g *joinGate) Wait(ctx context.Context) error {
	if g == nil {
		return nil
	}
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolved reports whether the gate has been opened.
func (g *joinGate) Resolved() bool {
	if g == nil {
		return true
	}
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}
