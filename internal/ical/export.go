// Package ical renders a user's task templates as an iCalendar document so
// they can be imported into any calendar client.
package ical

import (
	"bytes"
	"fmt"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"agenda-planner/internal/model"
	"agenda-planner/internal/recurrence"
)

const prodID = "-//agenda-planner//agenda-planner//EN"

// Export builds a VCALENDAR with one VEVENT per template. Recurrence kinds
// map to plain FREQ rules anchored on the origin date; cancelled occurrences
// become EXDATE properties. Completed occurrences are not exported, they are
// an app-internal notion.
func Export(templates []model.TaskTemplate, now time.Time) (*ical.Calendar, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, prodID)

	for _, tpl := range templates {
		event, err := buildEvent(tpl, now)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", tpl.ID, err)
		}
		cal.Children = append(cal.Children, event.Component)
	}
	return cal, nil
}

// Encode serializes the calendar produced by Export.
func Encode(cal *ical.Calendar) ([]byte, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("encode calendar: %w", err)
	}
	return buf.Bytes(), nil
}

func buildEvent(tpl model.TaskTemplate, now time.Time) (*ical.Event, error) {
	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, tpl.ID)
	event.Props.SetText(ical.PropSummary, tpl.Title)
	if tpl.Notes != "" {
		event.Props.SetText(ical.PropDescription, tpl.Notes)
	}
	event.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	event.Props.SetDateTime(ical.PropDateTimeStart, tpl.OriginDate)

	if tpl.DurationMinutes != nil && *tpl.DurationMinutes > 0 {
		end := tpl.OriginDate.Add(time.Duration(*tpl.DurationMinutes) * time.Minute)
		event.Props.SetDateTime(ical.PropDateTimeEnd, end)
	}

	if freq, ok := frequencyFor(recurrence.ParseKind(tpl.Recurrence)); ok {
		opt := rrule.ROption{Freq: freq, Dtstart: tpl.OriginDate}
		event.Props.SetText(ical.PropRecurrenceRule, opt.RRuleString())

		for _, ex := range tpl.Exceptions {
			if ex.Kind != model.ExceptionCancelled {
				continue
			}
			prop := ical.NewProp(ical.PropExceptionDates)
			prop.SetDateTime(recurrence.StartOfDay(ex.Date))
			event.Props.Add(prop)
		}
	}

	return event, nil
}

func frequencyFor(kind recurrence.Kind) (rrule.Frequency, bool) {
	switch kind {
	case recurrence.KindDaily:
		return rrule.DAILY, true
	case recurrence.KindWeekly:
		return rrule.WEEKLY, true
	case recurrence.KindMonthly:
		return rrule.MONTHLY, true
	case recurrence.KindYearly:
		return rrule.YEARLY, true
	default:
		return 0, false
	}
}
