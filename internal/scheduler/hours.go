package scheduler

import (
	"log/slog"
	"time"

	"mailroom/internal/config"
	"mailroom/internal/types"
)

// BusinessHoursGate decides whether a business-hours-only job may execute at
// a given instant. Maintenance windows take precedence over business hours,
// even for high-priority jobs.
type BusinessHoursGate struct {
	startHour int
	endHour   int
	days      map[time.Weekday]bool
	windows   []config.MaintenanceWindow
	logger    *slog.Logger
}

// NewBusinessHoursGate creates a gate from the business-hours configuration.
// Maintenance window JSON is expected to have been validated at config load.
func NewBusinessHoursGate(cfg config.BusinessHoursConfig, logger *slog.Logger) *BusinessHoursGate {
	if logger == nil {
		logger = slog.Default()
	}
	windows, _ := cfg.MaintenanceWindows()
	return &BusinessHoursGate{
		startHour: cfg.StartHour,
		endHour:   cfg.EndHour,
		days:      cfg.BusinessDays(),
		windows:   windows,
		logger:    logger,
	}
}

// Permits reports whether the job may run at now. Jobs without the
// business-hours restriction always pass. Otherwise the weekday must be in
// the configured day set, the hour must fall within [start, end), and now
// must not fall inside any maintenance window.
func (g *BusinessHoursGate) Permits(job types.Job, now time.Time) bool {
	if !job.Definition.BusinessHoursOnly {
		return true
	}

	if g.InMaintenanceWindow(now) {
		return false
	}
	if !g.days[now.Weekday()] {
		return false
	}
	hour := now.Hour()
	return hour >= g.startHour && hour < g.endHour
}

// InMaintenanceWindow reports whether now falls inside any configured
// maintenance window [start, start+duration).
func (g *BusinessHoursGate) InMaintenanceWindow(now time.Time) bool {
	for _, w := range g.windows {
		// A window can start yesterday and span midnight, so both candidate
		// start days are checked.
		for _, dayOffset := range []int{0, -1} {
			day := now.AddDate(0, 0, dayOffset)
			if w.Weekday != nil && day.Weekday() != *w.Weekday {
				continue
			}
			start := time.Date(day.Year(), day.Month(), day.Day(), w.StartHour, w.StartMinute, 0, 0, now.Location())
			end := start.Add(time.Duration(w.DurationMinutes) * time.Minute)
			if !now.Before(start) && now.Before(end) {
				return true
			}
		}
	}
	return false
}
