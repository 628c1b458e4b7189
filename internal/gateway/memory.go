package gateway

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var errMemoryClosed = errors.New("memory store closed")

// Memory keeps the grid in process memory. It is the single-process backend
// used by tests and by STORE=memory.
type Memory struct {
	*Bus

	mu     sync.RWMutex
	sets   map[string]map[uint32]int
	closed bool
}

var _ Gateway = (*Memory)(nil)

// NewMemory creates an empty Memory gateway.
func NewMemory() *Memory {
	return &Memory{
		Bus:  NewBus(),
		sets: make(map[string]map[uint32]int),
	}
}

func (m *Memory) RangeWithScores(_ context.Context, key string, start, end uint32) ([]Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, unavailable("range", errMemoryClosed)
	}
	if start > end {
		return nil, nil
	}
	var members []Member
	for index, score := range m.sets[key] {
		if index >= start && index <= end {
			members = append(members, Member{Index: index, Score: score})
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Index < members[j].Index })
	return members, nil
}

func (m *Memory) SetScore(_ context.Context, key string, index uint32, score int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return unavailable("set score", errMemoryClosed)
	}
	set, ok := m.sets[key]
	if !ok {
		set = make(map[uint32]int)
		m.sets[key] = set
	}
	set[index] = score
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.Bus.Close()
}
