package memutils

import (
	"strings"

	"golang.org/x/exp/constraints"
)

// FlagStringMapping builds human-readable strings for bitset flag types. Flag
// types register a name for each bit and implement String with FlagsToString.
type FlagStringMapping[T constraints.Integer] struct {
	mapping map[T]string
}

func NewFlagStringMapping[T constraints.Integer]() FlagStringMapping[T] {
	return FlagStringMapping[T]{
		mapping: make(map[T]string),
	}
}

// Register assigns a name to a single flag bit.
func (m FlagStringMapping[T]) Register(value T, str string) {
	m.mapping[value] = str
}

// FlagsToString returns the registered names of every bit set in value, joined
// with "|". Unregistered bits are ignored.
func (m FlagStringMapping[T]) FlagsToString(value T) string {
	var sb strings.Builder

	for i := 0; i < 64; i++ {
		shifted := T(1) << i
		if shifted > value {
			break
		}

		if value&shifted == 0 {
			continue
		}

		name, ok := m.mapping[shifted]
		if !ok {
			continue
		}

		if sb.Len() > 0 {
			sb.WriteRune('|')
		}
		sb.WriteString(name)
	}

	return sb.String()
}
