// Package store implements the bounded per-tag in-memory event history:
// each tag owns a fixed-capacity FIFO buffer of typed events, with O(1)
// amortized append/eviction and snapshot-style reads. Statistics are
// derived directly from each buffer's current size at snapshot time rather
// than tracked via a separate running counter, so total_events always
// equals the sum of each tag's currently-stored count.
//
// Grounded on the ring-buffer discipline of queue.SQLiteQueue, adapted here
// from a durable SQL-backed queue to a capped in-memory ring buffer per tag.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/proctail/agent/internal/model"
)

// Store holds the bounded event history for every watched tag.
type Store struct {
	mu        sync.RWMutex
	tags      map[string]*tagBuffer
	maxPerTag int
}

// New creates a Store in which each tag retains at most maxPerTag events.
// A non-positive maxPerTag is treated as 1 (every tag retains at least its
// most recent event).
func New(maxPerTag int) *Store {
	if maxPerTag <= 0 {
		maxPerTag = 1
	}
	return &Store{
		tags:      make(map[string]*tagBuffer),
		maxPerTag: maxPerTag,
	}
}

// tagBuffer is a fixed-capacity ring buffer of TypedEvent for one tag.
type tagBuffer struct {
	mu    sync.RWMutex
	buf   []model.TypedEvent
	head  int // index of the oldest element
	count int // number of valid elements
}

func newTagBuffer(capacity int) *tagBuffer {
	return &tagBuffer{buf: make([]model.TypedEvent, capacity)}
}

// append adds evt, evicting the oldest element if the buffer is full.
// Returns true if an eviction occurred.
func (b *tagBuffer) append(evt model.TypedEvent) (evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.buf)
	if b.count < capacity {
		idx := (b.head + b.count) % capacity
		b.buf[idx] = evt
		b.count++
		return false
	}

	// Full: overwrite the oldest slot and advance head.
	b.buf[b.head] = evt
	b.head = (b.head + 1) % capacity
	return true
}

// snapshot returns a copy of all buffered events, oldest first.
func (b *tagBuffer) snapshot() []model.TypedEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]model.TypedEvent, b.count)
	capacity := len(b.buf)
	for i := 0; i < b.count; i++ {
		out[i] = b.buf[(b.head+i)%capacity]
	}
	return out
}

func (b *tagBuffer) size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

func (b *tagBuffer) clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.count
	b.head, b.count = 0, 0
	return n
}

// tagBufferFor returns (creating if necessary) the buffer for tag.
func (s *Store) tagBufferFor(tag string) *tagBuffer {
	s.mu.RLock()
	b, ok := s.tags[tag]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.tags[tag]; ok {
		return b
	}
	b = newTagBuffer(s.maxPerTag)
	s.tags[tag] = b
	return b
}

// Append records evt under tag, evicting the oldest event for that tag if it
// is already at capacity.
func (s *Store) Append(tag string, evt model.TypedEvent) {
	b := s.tagBufferFor(tag)
	b.append(evt)
}

// GetAll returns every buffered event for tag, oldest first. An unknown tag
// returns an empty (non-nil) slice.
func (s *Store) GetAll(tag string) []model.TypedEvent {
	s.mu.RLock()
	b, ok := s.tags[tag]
	s.mu.RUnlock()
	if !ok {
		return []model.TypedEvent{}
	}
	return b.snapshot()
}

// GetLatest returns up to n of the most recent events for tag, oldest first
// among those returned. n <= 0 returns an empty slice.
func (s *Store) GetLatest(tag string, n int) []model.TypedEvent {
	if n <= 0 {
		return []model.TypedEvent{}
	}
	all := s.GetAll(tag)
	if len(all) <= n {
		return all
	}
	return all[len(all)-n:]
}

// GetByTime returns buffered events for tag whose Timestamp falls within
// [since, until]. Either bound may be the zero time to leave it open.
func (s *Store) GetByTime(tag string, since, until time.Time) []model.TypedEvent {
	all := s.GetAll(tag)
	out := all[:0:0]
	for _, evt := range all {
		if !since.IsZero() && evt.Timestamp.Before(since) {
			continue
		}
		if !until.IsZero() && evt.Timestamp.After(until) {
			continue
		}
		out = append(out, evt)
	}
	return out
}

// Count returns the number of events currently buffered for tag.
func (s *Store) Count(tag string) int {
	s.mu.RLock()
	b, ok := s.tags[tag]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return b.size()
}

// Clear discards all buffered events for tag and returns how many were
// discarded. It does not remove the tag itself: subsequent Append calls
// reuse the same buffer.
func (s *Store) Clear(tag string) int {
	s.mu.RLock()
	b, ok := s.tags[tag]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return b.clear()
}

// ListTags returns every tag that currently has (or has ever had) a buffer,
// sorted for deterministic output.
func (s *Store) ListTags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.tags))
	for tag := range s.tags {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Statistics summarizes the store's current state. It is consumed directly
// by Service.GetStatus, which reports its totals in the IPC GetStatus
// response.
type Statistics struct {
	TotalTags      int
	TotalEvents    int64
	PerTagCounts   map[string]int
	EstimatedBytes int64
}

// approxBytesPerEvent is the fixed per-event overhead used to derive
// EstimatedBytes; a rough upper bound, not a precise memory accounting.
const approxBytesPerEvent = 256

// Statistics computes a snapshot of store-wide counts: the number of tags
// currently tracked, the total number of events presently stored (the sum
// of each tag's current count, not a lifetime append counter), and a
// best-effort byte estimate.
func (s *Store) Statistics() Statistics {
	s.mu.RLock()
	tags := make(map[string]*tagBuffer, len(s.tags))
	for tag, b := range s.tags {
		tags[tag] = b
	}
	s.mu.RUnlock()

	counts := make(map[string]int, len(tags))
	var total int64
	for tag, b := range tags {
		n := b.size()
		counts[tag] = n
		total += int64(n)
	}

	return Statistics{
		TotalTags:      len(tags),
		TotalEvents:    total,
		PerTagCounts:   counts,
		EstimatedBytes: total * approxBytesPerEvent,
	}
}
