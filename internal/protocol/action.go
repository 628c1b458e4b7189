package protocol

import (
	"strconv"

	"github.com/pkg/errors"
)

// Action is the state a mutation moves a checkbox into.
type Action uint8

// Known actions. The zero value is not a valid action.
const (
	Check Action = iota + 1
	Uncheck
)

// ParseAction converts the one-character wire form into an Action.
func ParseAction(s string) (Action, error) {
	switch s {
	case "c":
		return Check, nil
	case "u":
		return Uncheck, nil
	}
	return 0, errors.Wrapf(ErrDecode, "unknown action %q", s)
}

// ActionFromScore maps a stored score back to an Action.
func ActionFromScore(score int) Action {
	if score != 0 {
		return Check
	}
	return Uncheck
}

// String returns the wire form of a.
func (a Action) String() string {
	switch a {
	case Check:
		return "c"
	case Uncheck:
		return "u"
	}
	return "Action(" + strconv.Itoa(int(a)) + ")"
}

// Score is the value persisted for a: 1 for checked, 0 for unchecked.
func (a Action) Score() int {
	if a == Check {
		return 1
	}
	return 0
}
