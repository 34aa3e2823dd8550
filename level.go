package grantsync

import "fmt"

// A Level is one of the three canonical repository permission levels.
// Strength increases with the numeric value, so levels compare with the
// usual operators: LevelRead < LevelWrite < LevelAdmin.
// The zero value is not a valid level.
type Level int

const (
	LevelRead Level = iota + 1
	LevelWrite
	LevelAdmin
)

// ParseLevel converts a canonical level name into a [Level].
func ParseLevel(name string) (Level, error) {
	switch name {
	case "READ":
		return LevelRead, nil
	case "WRITE":
		return LevelWrite, nil
	case "ADMIN":
		return LevelAdmin, nil
	}
	return 0, fmt.Errorf("unknown permission level %q", name)
}

func (l Level) String() string {
	switch l {
	case LevelRead:
		return "READ"
	case LevelWrite:
		return "WRITE"
	case LevelAdmin:
		return "ADMIN"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// MarshalText implements [encoding.TextMarshaler], levels serialize by name.
func (l Level) MarshalText() ([]byte, error) {
	switch l {
	case LevelRead, LevelWrite, LevelAdmin:
		return []byte(l.String()), nil
	}
	return nil, fmt.Errorf("invalid permission level %d", int(l))
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (l *Level) UnmarshalText(text []byte) error {
	level, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = level
	return nil
}
