// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"strings"
	"sync"
)

// recentMessageCapacity is the number of recently-sent identifiers remembered
// per room for echo suppression. Slack echoes our own sends back on the event
// stream almost immediately, so the window can stay small.
const recentMessageCapacity = 10

// RecentMessageWindow is a bounded FIFO set of Slack timestamps (or composite
// reaction keys) that this bridge recently sent. It exists purely to suppress
// echoes of our own outbound sends; it is not a durable mapping and must never
// be used to locate a message.
type RecentMessageWindow struct {
	mu  sync.Mutex
	ids []string
}

func newRecentMessageWindow() *RecentMessageWindow {
	return &RecentMessageWindow{}
}

// Add registers a platform-assigned identifier. The oldest entry is evicted
// once the window is full.
func (w *RecentMessageWindow) Add(id string) {
	if id == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ids = append(w.ids, id)
	if len(w.ids) > recentMessageCapacity {
		w.ids = w.ids[len(w.ids)-recentMessageCapacity:]
	}
}

// Contains reports whether the identifier is still inside the window.
func (w *RecentMessageWindow) Contains(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, existing := range w.ids {
		if existing == id {
			return true
		}
	}
	return false
}

// reactionDedupKey builds the composite echo-suppression key for a reaction.
// Reactions have no platform-assigned ID of their own until confirmed, so the
// key is derived from what uniquely describes the act.
func reactionDedupKey(relType, emoji, actor, targetTS string) string {
	return strings.Join([]string{"reaction", relType, emoji, actor, targetTS}, ";")
}
