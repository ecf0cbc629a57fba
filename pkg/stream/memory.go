package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MemorySource is an in-memory implementation of Source for development and
// testing. Each partition is an append-only slice of records.
type MemorySource struct {
	mu         sync.Mutex
	partitions []string
	logs       map[string][]*Record
	failures   map[string]error
	changed    chan struct{}
	closed     bool
}

// NewMemorySource creates a source with a fixed set of partitions.
func NewMemorySource(partitionIDs ...string) *MemorySource {
	m := &MemorySource{
		partitions: append([]string(nil), partitionIDs...),
		logs:       make(map[string][]*Record),
		failures:   make(map[string]error),
		changed:    make(chan struct{}),
	}
	for _, id := range partitionIDs {
		m.logs[id] = nil
	}
	return m
}

// Publish appends a record to a partition. A zero EnqueuedTime is stamped
// with the current time.
func (m *MemorySource) Publish(partitionID string, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log, ok := m.logs[partitionID]
	if !ok {
		return fmt.Errorf("partition %s not found", partitionID)
	}

	record.Partition = partitionID
	record.Offset = int64(len(log))
	if record.EnqueuedTime.IsZero() {
		record.EnqueuedTime = time.Now()
	}
	m.logs[partitionID] = append(log, record)
	m.broadcastLocked()
	return nil
}

// Fail makes every current and future Receive on the partition return err.
func (m *MemorySource) Fail(partitionID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[partitionID] = err
	m.broadcastLocked()
}

func (m *MemorySource) broadcastLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *MemorySource) PartitionIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("source is closed")
	}
	return append([]string(nil), m.partitions...), nil
}

func (m *MemorySource) Receive(ctx context.Context, partitionID string, from time.Time, handler RecordHandler) error {
	var cursor int
	for {
		m.mu.Lock()
		log, ok := m.logs[partitionID]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("partition %s not found", partitionID)
		}
		if err := m.failures[partitionID]; err != nil {
			m.mu.Unlock()
			return err
		}
		pending := log[cursor:]
		cursor = len(log)
		changed := m.changed
		m.mu.Unlock()

		for _, record := range pending {
			if ctx.Err() != nil {
				return nil
			}
			if record.EnqueuedTime.Before(from) {
				continue
			}
			handler(record)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
	}
}

func (m *MemorySource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (m *MemorySource) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
