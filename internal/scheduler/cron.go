package scheduler

import (
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"mailroom/internal/types"
)

// cronParser validates five-field cron syntax before the restricted-subset
// checks below.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// CronSchedule is the resolved form of a supported cron expression: a fixed
// hour and minute, optionally pinned to one weekday.
type CronSchedule struct {
	Hour   int
	Minute int

	// Weekday is non-nil when the expression pins a single day of week,
	// turning the schedule weekly instead of daily.
	Weekday *time.Weekday
}

// ParseRestrictedCron parses the restricted subset of five-field cron
// expressions the platform's minute-granularity trigger primitive can honor:
// minute and hour must both be concrete values, day-of-month and month must
// be wildcards, and day-of-week is either a wildcard or a single concrete
// day. Anything else fails with unsupported_cron_expression at registration
// time, not at run time.
func ParseRestrictedCron(expr string) (*CronSchedule, error) {
	if _, err := cronParser.Parse(expr); err != nil {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeUnsupportedCron,
			"invalid cron expression",
			err,
			map[string]any{"expr": expr},
		)
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, unsupportedCron(expr, "expected five fields")
	}

	minute, err := concreteField(fields[0], 0, 59)
	if err != nil {
		return nil, unsupportedCron(expr, "minute must be a concrete value")
	}
	hour, err := concreteField(fields[1], 0, 23)
	if err != nil {
		return nil, unsupportedCron(expr, "hour must be a concrete value")
	}
	if fields[2] != "*" {
		return nil, unsupportedCron(expr, "day-of-month must be a wildcard")
	}
	if fields[3] != "*" {
		return nil, unsupportedCron(expr, "month must be a wildcard")
	}

	schedule := &CronSchedule{Hour: hour, Minute: minute}
	if fields[4] != "*" {
		dow, err := concreteField(fields[4], 0, 6)
		if err != nil {
			return nil, unsupportedCron(expr, "day-of-week must be a wildcard or a single day")
		}
		weekday := time.Weekday(dow)
		schedule.Weekday = &weekday
	}

	return schedule, nil
}

// concreteField parses a cron field that must be one plain integer within
// [min, max] — no wildcards, steps, ranges, or lists.
func concreteField(field string, min, max int) (int, error) {
	if strings.ContainsAny(field, "*/-,") {
		return 0, types.NewAppError(types.ErrCodeUnsupportedCron, "field is not concrete", nil)
	}
	n, err := strconv.Atoi(field)
	if err != nil || n < min || n > max {
		return 0, types.NewAppError(types.ErrCodeUnsupportedCron, "field out of range", err)
	}
	return n, nil
}

func unsupportedCron(expr, reason string) *types.AppError {
	return types.NewAppErrorWithDetails(
		types.ErrCodeUnsupportedCron,
		"unsupported cron expression: "+reason,
		nil,
		map[string]any{"expr": expr},
	)
}
