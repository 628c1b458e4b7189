// Package protocol implements the text wire format spoken between checkbox
// clients and the server.
//
// Clients send single text frames of three shapes:
//
//	c,<index>            mark index checked
//	u,<index>            mark index unchecked
//	get,<start>,<end>    request the state of indices in [start, end]
//
// The server answers range queries with get,<index>:<state>,... and relays
// every committed change as c,<index> or u,<index>, which makes relayed
// changes textually identical to inbound mutations.
package protocol

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrDecode is returned for any malformed frame.
var ErrDecode = errors.New("malformed frame")

const (
	separator  = ","
	getCommand = "get"
)

// Mutation sets the state of one checkbox.
type Mutation struct {
	Action Action
	Index  uint32
}

// Encode returns the wire form of m, e.g. "c,123".
func (m Mutation) Encode() string {
	return m.Action.String() + separator + strconv.FormatUint(uint64(m.Index), 10)
}

// RangeQuery requests the state of every stored index in [Start, End].
// Start may exceed End; the store decides what such a range holds.
type RangeQuery struct {
	Start uint32
	End   uint32
}

// Encode returns the wire form of q, e.g. "get,0,10".
func (q RangeQuery) Encode() string {
	return getCommand + separator + strconv.FormatUint(uint64(q.Start), 10) +
		separator + strconv.FormatUint(uint64(q.End), 10)
}

// Entry is one stored checkbox as returned by a range read.
type Entry struct {
	Index uint32
	Score int
}

// Checked reports whether the entry is in the checked state.
func (e Entry) Checked() bool {
	return e.Score != 0
}

// IsRangeQuery reports whether text must be handled as a range query.
// Like the inbound loop, it only looks at the leading literal.
func IsRangeQuery(text string) bool {
	return strings.HasPrefix(text, getCommand)
}

// DecodeMutation parses a "c,<index>" or "u,<index>" frame.
func DecodeMutation(text string) (Mutation, error) {
	if len(text) < 3 {
		return Mutation{}, errors.Wrapf(ErrDecode, "mutation %q too short", text)
	}
	parts := strings.Split(text, separator)
	if len(parts) != 2 {
		return Mutation{}, errors.Wrapf(ErrDecode, "mutation %q must have 2 fields", text)
	}
	action, err := ParseAction(parts[0])
	if err != nil {
		return Mutation{}, errors.Wrapf(err, "parse mutation %q failed", text)
	}
	index, err := parseIndex(parts[1])
	if err != nil {
		return Mutation{}, errors.Wrapf(err, "parse mutation %q failed", text)
	}
	return Mutation{Action: action, Index: index}, nil
}

// DecodeRangeQuery parses a "get,<start>,<end>" frame.
func DecodeRangeQuery(text string) (RangeQuery, error) {
	if len(text) < 3 {
		return RangeQuery{}, errors.Wrapf(ErrDecode, "range query %q too short", text)
	}
	parts := strings.Split(text, separator)
	if len(parts) != 3 {
		return RangeQuery{}, errors.Wrapf(ErrDecode, "range query %q must have 3 fields", text)
	}
	if parts[0] != getCommand {
		return RangeQuery{}, errors.Wrapf(ErrDecode, "range query %q must start with %s", text, getCommand)
	}
	start, err := parseIndex(parts[1])
	if err != nil {
		return RangeQuery{}, errors.Wrapf(err, "parse range query %q failed", text)
	}
	end, err := parseIndex(parts[2])
	if err != nil {
		return RangeQuery{}, errors.Wrapf(err, "parse range query %q failed", text)
	}
	return RangeQuery{Start: start, End: end}, nil
}

// EncodeRangeResponse renders entries in the order given as
// "get,<index>:<score>,...". An empty slice yields "get".
func EncodeRangeResponse(entries []Entry) string {
	var b strings.Builder
	b.Grow(len(getCommand) + len(entries)*12)
	b.WriteString(getCommand)
	for _, e := range entries {
		b.WriteString(separator)
		b.WriteString(strconv.FormatUint(uint64(e.Index), 10))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(e.Score))
	}
	return b.String()
}

// DecodeRangeResponse parses a server range response back into entries.
func DecodeRangeResponse(text string) ([]Entry, error) {
	parts := strings.Split(text, separator)
	if parts[0] != getCommand {
		return nil, errors.Wrapf(ErrDecode, "range response %q must start with %s", text, getCommand)
	}
	entries := make([]Entry, 0, len(parts)-1)
	for _, part := range parts[1:] {
		idx, score, ok := strings.Cut(part, ":")
		if !ok {
			return nil, errors.Wrapf(ErrDecode, "range entry %q has no score", part)
		}
		index, err := parseIndex(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "parse range entry %q failed", part)
		}
		s, err := strconv.Atoi(score)
		if err != nil {
			return nil, errors.Wrapf(ErrDecode, "range entry %q has bad score", part)
		}
		entries = append(entries, Entry{Index: index, Score: s})
	}
	return entries, nil
}

// parseIndex reads a decimal u32. One leading '+' is allowed.
func parseIndex(s string) (uint32, error) {
	digits := s
	if len(digits) > 1 && digits[0] == '+' {
		digits = digits[1:]
	}
	n, err := strconv.ParseUint(digits, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(ErrDecode, "index %q: %v", s, err)
	}
	return uint32(n), nil
}
