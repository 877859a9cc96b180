// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"sync"

	"github.com/google/go-dap"
)

// pendingRequest is a request sent by the adapter that is awaiting the client's response.
type pendingRequest struct {
	command string

	// response receives exactly one message; it is closed without a value if the session ends first.
	response chan dap.Message
}

// pendingRequestMap tracks outstanding requests keyed by their sequence number.
type pendingRequestMap struct {
	mu       sync.Mutex
	requests map[int]*pendingRequest
	closed   bool
}

func newPendingRequestMap() *pendingRequestMap {
	return &pendingRequestMap{
		requests: make(map[int]*pendingRequest),
	}
}

// Add registers a pending request. It returns false if the map has been drained.
func (m *pendingRequestMap) Add(seq int, req *pendingRequest) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.requests[seq] = req
	return true
}

// Get retrieves and removes a pending request. Returns nil if there is none for the given sequence number.
func (m *pendingRequestMap) Get(seq int) *pendingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[seq]
	if !ok {
		return nil
	}

	delete(m.requests, seq)
	return req
}

// Remove forgets a pending request whose caller stopped waiting.
func (m *pendingRequestMap) Remove(seq int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requests, seq)
}

func (m *pendingRequestMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Drain unblocks every waiting caller and rejects further additions.
func (m *pendingRequestMap) Drain() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, req := range m.requests {
		close(req.response)
	}

	m.requests = make(map[int]*pendingRequest)
	m.closed = true
}

// sequenceCounter provides thread-safe sequence number generation.
type sequenceCounter struct {
	mu  sync.Mutex
	seq int
}

func newSequenceCounter() *sequenceCounter {
	return &sequenceCounter{}
}

// Next returns the next sequence number. The first number returned is 1.
func (c *sequenceCounter) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the last sequence number handed out.
func (c *sequenceCounter) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}
