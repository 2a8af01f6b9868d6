// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import "sync"

// groupHandler serializes delivery of messages sharing one partition
// key. It owns an ordered queue and a single in-flight slot: the next
// message starts only after the previous one's processing completes.
//
// When the queue drains to empty the handler marks itself dead and
// invokes onEmpty so the owning pool removes it from the handler map.
// A new handler is created on the next arrival for the key.
type groupHandler struct {
	key     string
	process func(*Message)
	onEmpty func(key string)

	mu      sync.Mutex
	queue   []*Message
	running bool
	dead    bool
}

func newGroupHandler(key string, process func(*Message), onEmpty func(string)) *groupHandler {
	return &groupHandler{
		key:     key,
		process: process,
		onEmpty: onEmpty,
	}
}

// enqueue appends a message and starts the processing loop if idle.
// It returns false if the handler has already torn down; the caller
// must create a replacement handler.
func (h *groupHandler) enqueue(msg *Message) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dead {
		return false
	}

	h.queue = append(h.queue, msg)
	if !h.running {
		h.running = true
		go h.run()
	}
	return true
}

// run processes queued messages strictly one at a time.
func (h *groupHandler) run() {
	for {
		h.mu.Lock()
		if len(h.queue) == 0 {
			h.dead = true
			h.running = false
			h.mu.Unlock()
			h.onEmpty(h.key)
			return
		}
		msg := h.queue[0]
		h.queue = h.queue[1:]
		h.mu.Unlock()

		h.process(msg)
	}
}

func (h *groupHandler) isDead() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dead
}

// pending returns the number of queued-but-not-started messages.
func (h *groupHandler) pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}
