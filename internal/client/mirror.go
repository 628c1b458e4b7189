package client

import (
	"sync"

	"github.com/ochmanski/tenmillioncheckboxes/internal/protocol"

	"github.com/pkg/errors"
)

// Mirror is a local copy of the part of the grid a client has seen.
type Mirror struct {
	mu    sync.RWMutex
	boxes map[uint32]bool
}

// NewMirror creates an empty Mirror.
func NewMirror() *Mirror {
	return &Mirror{boxes: make(map[uint32]bool)}
}

// Apply folds one server frame into the mirror: a range response sets every
// listed index, a change sets one.
func (m *Mirror) Apply(frame string) error {
	if protocol.IsRangeQuery(frame) {
		entries, err := protocol.DecodeRangeResponse(frame)
		if err != nil {
			return errors.Wrap(err, "decode range response failed")
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, e := range entries {
			m.boxes[e.Index] = e.Checked()
		}
		return nil
	}
	change, err := protocol.DecodeMutation(frame)
	if err != nil {
		return errors.Wrap(err, "decode change failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boxes[change.Index] = change.Action == protocol.Check
	return nil
}

// Checked reports the mirrored state of index and whether it is known.
func (m *Mirror) Checked(index uint32) (checked, known bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	checked, known = m.boxes[index]
	return checked, known
}

// CountChecked is the number of known checked boxes.
func (m *Mirror) CountChecked() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, checked := range m.boxes {
		if checked {
			n++
		}
	}
	return n
}

// Len is the number of known boxes.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.boxes)
}
