package logging

import (
	"bytes"
	"os"
	"sync"
)

// RingBuffer keeps the most recent log records in memory, bounded by total
// bytes. Each Write is one record; whole records are evicted oldest first, so
// a dump never starts mid-record.
type RingBuffer struct {
	mu      sync.Mutex
	records [][]byte
	head    int // index of the oldest record
	count   int
	bytes   int
	limit   int
}

// NewRingBuffer creates a ring buffer holding at most limit bytes.
func NewRingBuffer(limit int) *RingBuffer {
	if limit <= 0 {
		limit = 4 * 1024 * 1024
	}
	return &RingBuffer{limit: limit, records: make([][]byte, 64)}
}

// Write implements io.Writer. A record larger than the whole buffer keeps
// only its tail.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}
	rec := p
	if len(rec) > rb.limit {
		rec = rec[len(rec)-rb.limit:]
	}
	rec = bytes.Clone(rec)

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count > 0 && rb.bytes+len(rec) > rb.limit {
		rb.evictOldest()
	}
	if rb.count == len(rb.records) {
		rb.grow()
	}
	rb.records[(rb.head+rb.count)%len(rb.records)] = rec
	rb.count++
	rb.bytes += len(rec)
	return n, nil
}

func (rb *RingBuffer) evictOldest() {
	rb.bytes -= len(rb.records[rb.head])
	rb.records[rb.head] = nil
	rb.head = (rb.head + 1) % len(rb.records)
	rb.count--
}

func (rb *RingBuffer) grow() {
	next := make([][]byte, len(rb.records)*2)
	for i := 0; i < rb.count; i++ {
		next[i] = rb.records[(rb.head+i)%len(rb.records)]
	}
	rb.records = next
	rb.head = 0
}

// Len returns the number of buffered records.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Tail returns up to n of the newest records, oldest first. n <= 0 returns
// every record.
func (rb *RingBuffer) Tail(n int) [][]byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if n <= 0 || n > rb.count {
		n = rb.count
	}
	out := make([][]byte, 0, n)
	for i := rb.count - n; i < rb.count; i++ {
		out = append(out, bytes.Clone(rb.records[(rb.head+i)%len(rb.records)]))
	}
	return out
}

// Bytes returns every buffered record concatenated in chronological order.
func (rb *RingBuffer) Bytes() []byte {
	return bytes.Join(rb.Tail(0), nil)
}

// DumpToFile writes the buffered records to path.
func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Bytes(), 0o600)
}
