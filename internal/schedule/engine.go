// Package schedule decides whether a scan is allowed at a given moment and how it is classified.
// Everything here is a pure function of wall-clock time and the configured windows.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// UnrestrictedSession names the pseudo-session used when scanning outside all windows is allowed.
const UnrestrictedSession = "unrestricted"

var (
	// ErrOutOfWindow means no session accepts a scan at this time.
	ErrOutOfWindow = errors.New("scan outside schedule window")
	// ErrCooldown means the same scan type was recorded too recently.
	ErrCooldown = errors.New("duplicate scan within cooldown")
)

// Config is the static schedule loaded at startup.
type Config struct {
	Windows                []Window `toml:"window"`
	AllowEarly             bool     `toml:"allow_early"`
	Unrestricted           bool     `toml:"unrestricted"`
	Timezone               string   `toml:"timezone"`
	DefaultCooldownMinutes int      `toml:"default_cooldown_minutes"`
}

// DefaultConfig returns a two-session school day.
func DefaultConfig() Config {
	return Config{
		Windows: []Window{
			{
				Session:              "morning",
				Start:                MustTimeOfDay("07:00"),
				End:                  MustTimeOfDay("12:30"),
				Login:                &SubWindow{Start: MustTimeOfDay("06:30"), End: MustTimeOfDay("09:00")},
				Logout:               &SubWindow{Start: MustTimeOfDay("11:30"), End: MustTimeOfDay("12:30")},
				LateThresholdMinutes: 15,
				CooldownMinutes:      5,
			},
			{
				Session:              "afternoon",
				Start:                MustTimeOfDay("13:00"),
				End:                  MustTimeOfDay("17:30"),
				Login:                &SubWindow{Start: MustTimeOfDay("12:30"), End: MustTimeOfDay("14:00")},
				Logout:               &SubWindow{Start: MustTimeOfDay("16:30"), End: MustTimeOfDay("17:30")},
				LateThresholdMinutes: 15,
				CooldownMinutes:      5,
			},
		},
		AllowEarly:             true,
		Timezone:               "Local",
		DefaultCooldownMinutes: 5,
	}
}

// Match is the session selected for a moment in time.
type Match struct {
	Window Window
	// Early is set when the scan falls in the login sub-window before the session starts.
	Early bool
}

// Decision is the full classification of an allowed scan.
type Decision struct {
	Session  string        `json:"session"`
	Date     string        `json:"date"`
	ScanType ScanType      `json:"scan_type"`
	Status   Status        `json:"status"`
	Early    bool          `json:"early,omitempty"`
	Cooldown time.Duration `json:"-"`
}

// LastScan is the most recent recorded scan of an identity within a session.
type LastScan struct {
	Type ScanType
	At   time.Time
}

// Engine evaluates scans against a fixed window set.
type Engine struct {
	cfg     Config
	windows []Window
	loc     *time.Location
}

// New validates cfg and builds an engine.
func New(cfg Config) (*Engine, error) {
	loc := time.Local
	if cfg.Timezone != "" && cfg.Timezone != "Local" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}

	seen := make(map[string]bool, len(cfg.Windows))
	windows := make([]Window, 0, len(cfg.Windows))
	for _, w := range cfg.Windows {
		if err := w.validate(); err != nil {
			return nil, err
		}
		if seen[w.Session] {
			return nil, fmt.Errorf("duplicate window session %q", w.Session)
		}
		seen[w.Session] = true
		windows = append(windows, w)
	}
	if len(windows) == 0 && !cfg.Unrestricted {
		return nil, errors.New("at least one window is required unless scanning is unrestricted")
	}
	sort.Slice(windows, func(i, j int) bool {
		return windows[i].Start.Offset() < windows[j].Start.Offset()
	})
	for i := 1; i < len(windows); i++ {
		if windows[i].Start.Offset() < windows[i-1].End.Offset() {
			return nil, fmt.Errorf("windows %q and %q overlap", windows[i-1].Session, windows[i].Session)
		}
	}

	return &Engine{cfg: cfg, windows: windows, loc: loc}, nil
}

// Location is the timezone wall-clock decisions are made in.
func (e *Engine) Location() *time.Location {
	return e.loc
}

// Date is the calendar date of now in the engine's timezone.
func (e *Engine) Date(now time.Time) string {
	return now.In(e.loc).Format("2006-01-02")
}

// offset is the wall-clock time of day, not the time elapsed since
// midnight, so DST transition days keep their windows.
func (e *Engine) offset(now time.Time) time.Duration {
	local := now.In(e.loc)
	return time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second
}

// Session picks the window whose [start, end) contains now. If none does and
// early arrival is allowed, the nearest upcoming window is chosen when now is
// inside its login sub-window.
func (e *Engine) Session(now time.Time) (Match, error) {
	off := e.offset(now)
	for _, w := range e.windows {
		if w.contains(off) {
			return Match{Window: w}, nil
		}
	}
	if e.cfg.AllowEarly {
		for _, w := range e.windows {
			if w.Start.Offset() <= off {
				continue
			}
			// windows are sorted, so this is the nearest upcoming one
			if w.Login != nil && w.Login.contains(off) {
				return Match{Window: w, Early: true}, nil
			}
			break
		}
	}
	if e.cfg.Unrestricted {
		return Match{Window: Window{
			Session:         UnrestrictedSession,
			CooldownMinutes: e.cfg.DefaultCooldownMinutes,
		}}, nil
	}
	return Match{}, fmt.Errorf("%w: %s", ErrOutOfWindow, now.In(e.loc).Format("15:04"))
}

// InferScanType returns entry until the identity has an entry for the session.
func InferScanType(hasEntry bool) ScanType {
	if hasEntry {
		return Exit
	}
	return Entry
}

// ExpectedStatus marks entries late once now exceeds start + late threshold.
// Exits are always on time.
func (e *Engine) ExpectedStatus(w Window, scanType ScanType, now time.Time) Status {
	if scanType == Exit || w.Session == UnrestrictedSession {
		return OnTime
	}
	if e.offset(now) > w.Start.Offset()+w.LateThreshold() {
		return Late
	}
	return OnTime
}

// Resolve classifies a scan at now. hasEntry reports whether the identity
// already has an entry in the session Session(now) selects; requested, when
// non-empty, overrides scan-type inference.
func (e *Engine) Resolve(now time.Time, hasEntry bool, requested ScanType) (Decision, error) {
	m, err := e.Session(now)
	if err != nil {
		return Decision{}, err
	}

	scanType := requested
	if scanType == "" {
		scanType = InferScanType(hasEntry)
	}
	if !scanType.Valid() {
		return Decision{}, fmt.Errorf("unknown scan type %q", scanType)
	}

	w := m.Window
	if w.Session != UnrestrictedSession && !e.cfg.Unrestricted && !m.Early && !w.accepts(scanType, e.offset(now)) {
		return Decision{}, fmt.Errorf("%w: %s not accepted in %s at %s",
			ErrOutOfWindow, scanType, w.Session, now.In(e.loc).Format("15:04"))
	}
	if m.Early && scanType != Entry && !e.cfg.Unrestricted {
		return Decision{}, fmt.Errorf("%w: %s before %s starts", ErrOutOfWindow, scanType, w.Session)
	}

	return Decision{
		Session:  w.Session,
		Date:     e.Date(now),
		ScanType: scanType,
		Status:   e.ExpectedStatus(w, scanType, now),
		Early:    m.Early,
		Cooldown: w.Cooldown(),
	}, nil
}

// IsWithinWindow reports whether any session accepts scanType at now.
func (e *Engine) IsWithinWindow(now time.Time, scanType ScanType) bool {
	if e.cfg.Unrestricted {
		return true
	}
	off := e.offset(now)
	for _, w := range e.windows {
		if w.accepts(scanType, off) {
			return true
		}
	}
	return false
}

// CooldownBlocks reports whether a scan of scanType at now repeats last too soon.
// A different scan type is never blocked.
func (e *Engine) CooldownBlocks(d Decision, last *LastScan, now time.Time) bool {
	if last == nil || last.Type != d.ScanType || d.Cooldown <= 0 {
		return false
	}
	return now.Sub(last.At) < d.Cooldown
}
