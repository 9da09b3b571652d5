package usage

import (
	"time"

	"github.com/vitaliisemenov/llm-rotator/internal/config"
)

// WindowManager creates, looks up, and resets usage windows according to
// their definitions.
//
// Reset policies:
//   - rolling: a fixed duration after first use
//   - fixed_daily: the configured UTC time each day
//   - calendar_weekly: Sunday 03:00 UTC
//   - calendar_monthly: 1st 03:00 UTC
//   - api_authoritative: only when the upstream reports a reset timestamp
type WindowManager struct {
	definitions map[string]config.WindowDefinition
	dailyReset  time.Duration // offset from midnight UTC
	now         func() time.Time
}

// calendarResetHour is the UTC hour for weekly and monthly boundaries.
const calendarResetHour = 3

// NewWindowManager creates a manager for the given definitions.
// now may be nil, in which case time.Now is used.
func NewWindowManager(defs []config.WindowDefinition, dailyResetTimeUTC string, now func() time.Time) *WindowManager {
	if now == nil {
		now = time.Now
	}
	dailyReset, err := config.ParseDailyResetTime(dailyResetTimeUTC)
	if err != nil {
		dailyReset = 3 * time.Hour
	}
	m := &WindowManager{
		definitions: make(map[string]config.WindowDefinition, len(defs)),
		dailyReset:  dailyReset,
		now:         now,
	}
	for _, d := range defs {
		m.definitions[d.Name] = d
	}
	return m
}

// Definition returns the definition for a window name.
func (m *WindowManager) Definition(name string) (config.WindowDefinition, bool) {
	d, ok := m.definitions[name]
	return d, ok
}

// Definitions returns all window definitions.
func (m *WindowManager) Definitions() []config.WindowDefinition {
	defs := make([]config.WindowDefinition, 0, len(m.definitions))
	for _, d := range m.definitions {
		defs = append(defs, d)
	}
	return defs
}

// PrimaryDefinition returns the definition marked primary, or nil.
func (m *WindowManager) PrimaryDefinition() *config.WindowDefinition {
	for name := range m.definitions {
		d := m.definitions[name]
		if d.Primary {
			return &d
		}
	}
	return nil
}

// Active returns the named window only if it is not due for reset;
// nil otherwise.
func (m *WindowManager) Active(windows map[string]*WindowStats, name string) *WindowStats {
	window, ok := windows[name]
	if !ok {
		return nil
	}
	def, ok := m.definitions[name]
	if !ok {
		// Unknown window, return as-is.
		return window
	}
	if m.ShouldReset(window, def) {
		return nil
	}
	return window
}

// GetOrCreate returns the active window for a name, creating a fresh one if
// the previous has expired or never existed. On creation the historical
// high-water mark and last observed limit are carried forward from the
// expired predecessor.
func (m *WindowManager) GetOrCreate(windows map[string]*WindowStats, name string, limit int64) *WindowStats {
	if window := m.Active(windows, name); window != nil {
		return window
	}

	var oldMax int64
	var oldMaxAt time.Time
	var oldLimit int64
	if old, ok := windows[name]; ok {
		oldLimit = old.Limit

		// The expired window's final request count may exceed its recorded
		// high-water mark.
		if old.RequestCount > old.MaxRecordedRequests {
			oldMax = old.RequestCount
			oldMaxAt = old.LastUsedAt
			if oldMaxAt.IsZero() {
				oldMaxAt = m.now()
			}
		} else if old.MaxRecordedRequests > 0 {
			oldMax = old.MaxRecordedRequests
			oldMaxAt = old.MaxRecordedAt
		}
	}

	if limit == 0 {
		limit = oldLimit
	}

	// StartedAt and ResetAt stay zero until the first recorded use.
	window := &WindowStats{
		Name:                name,
		Limit:               limit,
		MaxRecordedRequests: oldMax,
		MaxRecordedAt:       oldMaxAt,
	}
	windows[name] = window
	return window
}

// Primary returns the active primary window from a windows map, or nil.
func (m *WindowManager) Primary(windows map[string]*WindowStats) *WindowStats {
	def := m.PrimaryDefinition()
	if def == nil {
		return nil
	}
	return m.Active(windows, def.Name)
}

// Remaining returns the remaining requests in a window, or -1 when
// unlimited or unknown.
func (m *WindowManager) Remaining(windows map[string]*WindowStats, name string) int64 {
	window := m.Active(windows, name)
	if window == nil {
		return -1
	}
	return window.Remaining()
}

// UpdateLimit sets the request limit on a window, typically from an API
// response header. Idempotent.
func (m *WindowManager) UpdateLimit(windows map[string]*WindowStats, name string, limit int64) {
	if window, ok := windows[name]; ok {
		window.Limit = limit
	}
}

// UpdateResetTime sets the reset timestamp on a window, typically from an
// API response header. Idempotent.
func (m *WindowManager) UpdateResetTime(windows map[string]*WindowStats, name string, resetAt time.Time) {
	if window, ok := windows[name]; ok {
		window.ResetAt = resetAt
	}
}

// ShouldReset reports whether a window is due for reset under its
// definition.
func (m *WindowManager) ShouldReset(window *WindowStats, def config.WindowDefinition) bool {
	now := m.now()

	// An explicit reset time always wins.
	if !window.ResetAt.IsZero() {
		return !now.Before(window.ResetAt)
	}

	// Never used: nothing to reset.
	if window.StartedAt.IsZero() {
		return false
	}

	switch def.ResetMode {
	case config.ResetRolling:
		if def.Duration == 0 {
			return false // infinite window
		}
		return !now.Before(window.StartedAt.Add(def.Duration))
	case config.ResetFixedDaily:
		return !now.Before(m.nextDailyReset(window.StartedAt))
	case config.ResetCalendarWeekly:
		return !now.Before(nextWeeklyReset(window.StartedAt))
	case config.ResetCalendarMonthly:
		return !now.Before(nextMonthlyReset(window.StartedAt))
	case config.ResetAPIAuthoritative:
		// Only an explicit ResetAt resets these.
		return false
	}
	return false
}

// ResetTimeFor computes the reset timestamp for a window started at the
// given time. Returns zero for infinite and api-authoritative windows.
func (m *WindowManager) ResetTimeFor(def config.WindowDefinition, startedAt time.Time) time.Time {
	switch def.ResetMode {
	case config.ResetRolling:
		if def.Duration == 0 {
			return time.Time{}
		}
		return startedAt.Add(def.Duration)
	case config.ResetFixedDaily:
		return m.nextDailyReset(startedAt)
	case config.ResetCalendarWeekly:
		return nextWeeklyReset(startedAt)
	case config.ResetCalendarMonthly:
		return nextMonthlyReset(startedAt)
	}
	return time.Time{}
}

// nextDailyReset returns the first configured daily reset instant strictly
// after from.
func (m *WindowManager) nextDailyReset(from time.Time) time.Time {
	from = from.UTC()
	midnight := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	reset := midnight.Add(m.dailyReset)
	if !reset.After(from) {
		reset = reset.AddDate(0, 0, 1)
	}
	return reset
}

// nextWeeklyReset returns the next Sunday 03:00 UTC strictly after from.
func nextWeeklyReset(from time.Time) time.Time {
	from = from.UTC()
	daysUntilSunday := (7 - int(from.Weekday())) % 7
	if daysUntilSunday == 0 && from.Hour() >= calendarResetHour {
		daysUntilSunday = 7
	}
	day := time.Date(from.Year(), from.Month(), from.Day(), calendarResetHour, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, daysUntilSunday)
}

// nextMonthlyReset returns the next 1st-of-month 03:00 UTC strictly after
// from.
func nextMonthlyReset(from time.Time) time.Time {
	from = from.UTC()
	reset := time.Date(from.Year(), from.Month(), 1, calendarResetHour, 0, 0, 0, time.UTC)
	if !reset.After(from) {
		reset = reset.AddDate(0, 1, 0)
	}
	return reset
}
