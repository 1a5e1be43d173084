package service

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"agenda-planner/internal/model"
	"agenda-planner/internal/recurrence"
	"agenda-planner/internal/repository"
)

// AgendaService builds human-readable daily agendas and month overviews on
// top of the recurrence engine. All occurrence decisions go through the
// engine; this service only loads, sorts and formats.
type AgendaService struct {
	templateRepo *repository.TemplateRepository
	categoryRepo *repository.CategoryRepository
}

func NewAgendaService(templateRepo *repository.TemplateRepository, categoryRepo *repository.CategoryRepository) *AgendaService {
	return &AgendaService{templateRepo: templateRepo, categoryRepo: categoryRepo}
}

// AgendaEntry is one line of a daily agenda.
type AgendaEntry struct {
	Template  model.TaskTemplate
	Completed bool
}

// EntriesForDate returns the occurrences for the given day, timed entries
// first sorted by time-of-day then title, untimed (midnight-origin) entries
// after, also by title.
func (s *AgendaService) EntriesForDate(ctx context.Context, user model.User, date time.Time) ([]AgendaEntry, error) {
	tpls, err := s.templateRepo.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	day := recurrence.StartOfDay(date)
	active := recurrence.ActiveOn(tpls, day)

	entries := make([]AgendaEntry, 0, len(active))
	for _, tpl := range active {
		entries = append(entries, AgendaEntry{
			Template:  tpl,
			Completed: tpl.CompletedOn(day),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Template, entries[j].Template
		at, bt := clockMinutes(a.OriginDate), clockMinutes(b.OriginDate)
		aTimed, bTimed := at > 0, bt > 0
		switch {
		case aTimed != bTimed:
			return aTimed
		case aTimed && at != bt:
			return at < bt
		default:
			return strings.ToLower(a.Title) < strings.ToLower(b.Title)
		}
	})

	return entries, nil
}

// DailyAgenda renders the agenda for one day as a Telegram HTML message.
func (s *AgendaService) DailyAgenda(ctx context.Context, user model.User, date time.Time) (string, error) {
	entries, err := s.EntriesForDate(ctx, user, date)
	if err != nil {
		return "", err
	}

	catNames, err := s.categoryNames(ctx, user.ID)
	if err != nil {
		return "", err
	}

	day := recurrence.StartOfDay(date)

	var builder strings.Builder
	builder.WriteString("📋 <b>Agenda</b>\n")
	builder.WriteString(fmt.Sprintf("🗓 %s\n\n", day.Format("Mon, 02 Jan 2006")))

	if len(entries) == 0 {
		builder.WriteString("— nothing scheduled for this day\n")
		return strings.TrimSpace(builder.String()), nil
	}

	open, done := 0, 0
	for _, entry := range entries {
		builder.WriteString(formatEntry(entry, catNames))
		if entry.Completed {
			done++
		} else {
			open++
		}
	}

	builder.WriteString(fmt.Sprintf("\n%d open · %d done", open, done))
	return strings.TrimSpace(builder.String()), nil
}

// MonthMarks reports which days of the given month have at least one
// occurrence, as a set of day-of-month numbers. Backs the month overview
// grid; a single pass over OccurrencesInRange replaces the per-screen
// weekday/month arithmetic the app used to duplicate.
func (s *AgendaService) MonthMarks(ctx context.Context, user model.User, year int, month time.Month, loc *time.Location) (map[int]bool, error) {
	tpls, err := s.templateRepo.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}

	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	last := first.AddDate(0, 1, -1)

	marks := make(map[int]bool)
	for _, tpl := range tpls {
		for d := range recurrence.OccurrencesInRange(tpl, first, last) {
			marks[d.Day()] = true
		}
	}
	return marks, nil
}

// MonthOverview renders MonthMarks as a compact calendar grid.
func (s *AgendaService) MonthOverview(ctx context.Context, user model.User, year int, month time.Month, loc *time.Location) (string, error) {
	marks, err := s.MonthMarks(ctx, user, year, month, loc)
	if err != nil {
		return "", err
	}
	if loc == nil {
		loc = time.UTC
	}

	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	daysInMonth := first.AddDate(0, 1, -1).Day()

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("🗓 <b>%s</b>\n\n", first.Format("January 2006")))
	builder.WriteString("<pre>Mo Tu We Th Fr Sa Su\n")

	// Monday-first offset for the opening week.
	offset := (int(first.Weekday()) + 6) % 7
	builder.WriteString(strings.Repeat("   ", offset))

	col := offset
	for d := 1; d <= daysInMonth; d++ {
		if marks[d] {
			builder.WriteString(fmt.Sprintf("%2d•", d))
		} else {
			builder.WriteString(fmt.Sprintf("%2d ", d))
		}
		col++
		if col%7 == 0 {
			builder.WriteString("\n")
		}
	}
	if col%7 != 0 {
		builder.WriteString("\n")
	}
	builder.WriteString("</pre>\n• — day has at least one task")
	return builder.String(), nil
}

func (s *AgendaService) categoryNames(ctx context.Context, userID uint) (map[uint]string, error) {
	categories, err := s.categoryRepo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	names := make(map[uint]string, len(categories))
	for _, cat := range categories {
		names[cat.ID] = cat.Name
	}
	return names, nil
}

func formatEntry(entry AgendaEntry, catNames map[uint]string) string {
	var sb strings.Builder

	tpl := entry.Template

	icon := "🟢"
	if entry.Completed {
		icon = "✅"
	} else if recurrence.ParseKind(tpl.Recurrence) != recurrence.KindNone {
		icon = "♻️"
	}

	title := html.EscapeString(strings.TrimSpace(tpl.Title))
	if entry.Completed {
		title = fmt.Sprintf("<s>%s</s>", title)
	}

	if minutes := clockMinutes(tpl.OriginDate); minutes > 0 {
		sb.WriteString(fmt.Sprintf("%s %02d:%02d %s", icon, minutes/60, minutes%60, title))
	} else {
		sb.WriteString(fmt.Sprintf("%s %s", icon, title))
	}

	if tpl.CategoryID != nil {
		if name, ok := catNames[*tpl.CategoryID]; ok {
			trimmed := strings.TrimSpace(name)
			if trimmed != "" {
				sb.WriteString(fmt.Sprintf(" <i>(%s)</i>", html.EscapeString(trimmed)))
			}
		}
	}

	if tpl.DurationMinutes != nil && *tpl.DurationMinutes > 0 {
		sb.WriteString(fmt.Sprintf(" · %s", formatDuration(*tpl.DurationMinutes)))
	}

	if tpl.Notes != "" {
		sb.WriteString(fmt.Sprintf("\n   📝 %s", html.EscapeString(strings.TrimSpace(tpl.Notes))))
	}

	sb.WriteByte('\n')
	return sb.String()
}

func formatDuration(minutes int) string {
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	if minutes%60 == 0 {
		return fmt.Sprintf("%dh", minutes/60)
	}
	return fmt.Sprintf("%dh%02dm", minutes/60, minutes%60)
}

// clockMinutes returns minutes past midnight, 0 meaning "no specific time".
func clockMinutes(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
