package crm

import (
	"fmt"
	"strings"
	"time"
)

// Level is a named lead-time threshold before a reminder's due time.
// Each level owns one bit in a LevelSet.
type Level uint8

const (
	Level1Day  Level = 1 << iota // 24h before due
	Level1Hour                   // 1h before due
	Level30Min                   // 30m before due
	Level15Min                   // 15m before due
)

// allLevels is ordered longest lead time first.
var allLevels = []Level{Level1Day, Level1Hour, Level30Min, Level15Min}

// Levels returns every known level, longest lead time first.
func Levels() []Level { return append([]Level(nil), allLevels...) }

// Lead returns how long before the due time the level opens.
func (l Level) Lead() time.Duration {
	switch l {
	case Level1Day:
		return 24 * time.Hour
	case Level1Hour:
		return time.Hour
	case Level30Min:
		return 30 * time.Minute
	case Level15Min:
		return 15 * time.Minute
	default:
		return 0
	}
}

func (l Level) String() string {
	switch l {
	case Level1Day:
		return "1d"
	case Level1Hour:
		return "1h"
	case Level30Min:
		return "30m"
	case Level15Min:
		return "15m"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// Label is the human-readable form used in messages and logs.
func (l Level) Label() string {
	switch l {
	case Level1Day:
		return "1 day before"
	case Level1Hour:
		return "1 hour before"
	case Level30Min:
		return "30 minutes before"
	case Level15Min:
		return "15 minutes before"
	default:
		return l.String()
	}
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// ParseLevel accepts the short names ("1d", "1h", "30m", "15m").
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1d", "1day", "24h":
		return Level1Day, nil
	case "1h", "1hour", "60m":
		return Level1Hour, nil
	case "30m", "30min":
		return Level30Min, nil
	case "15m", "15min":
		return Level15Min, nil
	default:
		return 0, fmt.Errorf("unknown notification level %q", s)
	}
}

// LevelSet is a small bitmask of levels.
type LevelSet uint8

const fullLevelSet = LevelSet(Level1Day | Level1Hour | Level30Min | Level15Min)

func NewLevelSet(levels ...Level) LevelSet {
	var s LevelSet
	for _, l := range levels {
		s = s.With(l)
	}
	return s
}

func (s LevelSet) Has(l Level) bool { return s&LevelSet(l) != 0 }

func (s LevelSet) With(l Level) LevelSet { return s | LevelSet(l) }

func (s LevelSet) Without(l Level) LevelSet { return s &^ LevelSet(l) }

func (s LevelSet) Empty() bool { return s&fullLevelSet == 0 }

func (s LevelSet) Full() bool { return s&fullLevelSet == fullLevelSet }

// Levels lists the members, longest lead time first.
func (s LevelSet) Levels() []Level {
	out := make([]Level, 0, len(allLevels))
	for _, l := range allLevels {
		if s.Has(l) {
			out = append(out, l)
		}
	}
	return out
}

func (s LevelSet) String() string {
	ls := s.Levels()
	if len(ls) == 0 {
		return "none"
	}
	parts := make([]string, len(ls))
	for i, l := range ls {
		parts[i] = l.String()
	}
	return strings.Join(parts, ",")
}
