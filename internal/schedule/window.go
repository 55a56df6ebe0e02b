package schedule

import (
	"fmt"
	"strings"
	"time"
)

// ScanType classifies a scan within a session.
type ScanType string

const (
	Entry ScanType = "entry"
	Exit  ScanType = "exit"
)

// Valid reports whether t is a known scan type.
func (t ScanType) Valid() bool {
	return t == Entry || t == Exit
}

// Status is the punctuality assigned to a scan.
type Status string

const (
	OnTime Status = "on_time"
	Late   Status = "late"
)

// TimeOfDay is a wall-clock time without a date, decoded from "HH:MM".
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (24h).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// MustTimeOfDay is ParseTimeOfDay for literals.
func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

// UnmarshalText lets TOML and JSON decoders read "HH:MM" strings.
func (t *TimeOfDay) UnmarshalText(text []byte) error {
	parsed, err := ParseTimeOfDay(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalText renders the "HH:MM" form.
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Offset is the duration since midnight.
func (t TimeOfDay) Offset() time.Duration {
	return time.Duration(t.Hour)*time.Hour + time.Duration(t.Minute)*time.Minute
}

// SubWindow is a [Start, End) range inside or around a session where one scan type is accepted.
type SubWindow struct {
	Start TimeOfDay `toml:"start"`
	End   TimeOfDay `toml:"end"`
}

func (s *SubWindow) contains(offset time.Duration) bool {
	return offset >= s.Start.Offset() && offset < s.End.Offset()
}

// Window is one named session of the day. It is loaded once and never mutated.
type Window struct {
	Session              string     `toml:"session"`
	Start                TimeOfDay  `toml:"start"`
	End                  TimeOfDay  `toml:"end"`
	Login                *SubWindow `toml:"login"`
	Logout               *SubWindow `toml:"logout"`
	LateThresholdMinutes int        `toml:"late_threshold_minutes"`
	CooldownMinutes      int        `toml:"cooldown_minutes"`
}

// LateThreshold is how long after Start an entry still counts as on time.
func (w Window) LateThreshold() time.Duration {
	return time.Duration(w.LateThresholdMinutes) * time.Minute
}

// Cooldown is the minimum gap between two scans of the same type.
func (w Window) Cooldown() time.Duration {
	return time.Duration(w.CooldownMinutes) * time.Minute
}

func (w Window) contains(offset time.Duration) bool {
	return offset >= w.Start.Offset() && offset < w.End.Offset()
}

// subWindow returns the sub-window that gates scanType, nil when unrestricted.
func (w Window) subWindow(scanType ScanType) *SubWindow {
	if scanType == Exit {
		return w.Logout
	}
	return w.Login
}

// accepts reports whether scanType may be recorded at offset. Without a
// sub-window the session bounds apply.
func (w Window) accepts(scanType ScanType, offset time.Duration) bool {
	if sw := w.subWindow(scanType); sw != nil {
		return sw.contains(offset)
	}
	return w.contains(offset)
}

func (w Window) validate() error {
	if w.Session == "" {
		return fmt.Errorf("window session name is required")
	}
	if w.Start.Offset() >= w.End.Offset() {
		return fmt.Errorf("window %q: start %s must be before end %s", w.Session, w.Start, w.End)
	}
	for name, sw := range map[string]*SubWindow{"login": w.Login, "logout": w.Logout} {
		if sw != nil && sw.Start.Offset() >= sw.End.Offset() {
			return fmt.Errorf("window %q: %s start %s must be before end %s", w.Session, name, sw.Start, sw.End)
		}
	}
	if w.LateThresholdMinutes < 0 || w.CooldownMinutes < 0 {
		return fmt.Errorf("window %q: thresholds must not be negative", w.Session)
	}
	return nil
}
