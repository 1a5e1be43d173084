// Package recurrence answers "does this template produce an occurrence on
// date D" for every recurrence kind the planner supports. It is pure
// computation: no I/O, no errors, safe for concurrent readers.
package recurrence

import (
	"iter"
	"strings"
	"time"

	"agenda-planner/internal/model"
)

// Kind is a template's recurrence rule.
type Kind string

const (
	KindNone    Kind = "none"
	KindDaily   Kind = "daily"
	KindWeekly  Kind = "weekly"
	KindMonthly Kind = "monthly"
	KindYearly  Kind = "yearly"
)

// ParseKind maps a stored recurrence tag to a Kind. Unknown or empty tags
// degrade to KindNone so a corrupt record cannot break the agenda view;
// callers that care may log the raw value themselves.
func ParseKind(raw string) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindDaily:
		return KindDaily
	case KindWeekly:
		return KindWeekly
	case KindMonthly:
		return KindMonthly
	case KindYearly:
		return KindYearly
	default:
		return KindNone
	}
}

// StartOfDay truncates t to midnight in its own location. Occurrence
// decisions only ever look at the date component.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// OccursOn reports whether the template produces an occurrence on the given
// date. Time-of-day on either side is ignored. A zero origin date means the
// template never occurs. Cancelled occurrences always win over the rule.
func OccursOn(tpl model.TaskTemplate, date time.Time) bool {
	if tpl.OriginDate.IsZero() {
		return false
	}

	day := StartOfDay(date)
	origin := StartOfDay(tpl.OriginDate.In(date.Location()))

	if day.Before(origin) {
		return false
	}
	if tpl.CancelledOn(day) {
		return false
	}

	switch ParseKind(tpl.Recurrence) {
	case KindDaily:
		return true
	case KindWeekly:
		return day.Weekday() == origin.Weekday()
	case KindMonthly:
		// Origin on the 29th..31st simply skips months without that day;
		// there is no clamping to the end of the month.
		return day.Day() == origin.Day()
	case KindYearly:
		// A Feb 29 origin only fires in leap years, same skip policy as
		// monthly.
		return day.Month() == origin.Month() && day.Day() == origin.Day()
	default:
		return day.Equal(origin)
	}
}

// OccurrencesInRange yields every date in [start, end] (inclusive, start-of-
// day granularity) on which the template occurs, in ascending order. The
// sequence is finite and restartable; iterating it twice yields the same
// dates.
func OccurrencesInRange(tpl model.TaskTemplate, start, end time.Time) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		last := StartOfDay(end)
		for day := StartOfDay(start); !day.After(last); day = day.AddDate(0, 0, 1) {
			if OccursOn(tpl, day) && !yield(day) {
				return
			}
		}
	}
}

// nextHorizonDays bounds the Next scan. Four years covers the worst gap a
// leap-day yearly template can produce.
const nextHorizonDays = 4*366 + 1

// Next returns the first occurrence on or after the given date, scanning up
// to four years ahead. ok is false when nothing occurs within the horizon
// (e.g. a one-off in the past or a fully cancelled stretch).
func Next(tpl model.TaskTemplate, from time.Time) (time.Time, bool) {
	for day := range OccurrencesInRange(tpl, from, StartOfDay(from).AddDate(0, 0, nextHorizonDays)) {
		return day, true
	}
	return time.Time{}, false
}

// ActiveOn filters templates to those occurring on the given date, preserving
// input order. Sorting is a presentation concern and stays with the caller.
func ActiveOn(tpls []model.TaskTemplate, date time.Time) []model.TaskTemplate {
	var active []model.TaskTemplate
	for _, tpl := range tpls {
		if OccursOn(tpl, date) {
			active = append(active, tpl)
		}
	}
	return active
}
