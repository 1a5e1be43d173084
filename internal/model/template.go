package model

import "time"

// Exception kinds stored in OccurrenceException.Kind.
const (
	ExceptionCancelled = "cancelled"
	ExceptionCompleted = "completed"
)

// TaskTemplate is a user-defined task or event definition that may generate
// zero or more occurrences over time. One-off items use RecurrenceNone and
// produce a single occurrence on their origin date.
type TaskTemplate struct {
	ID              string `gorm:"primaryKey"`
	UserID          uint   `gorm:"index"`
	CategoryID      *uint  `gorm:"index"`
	Title           string
	Notes           string
	OriginDate      time.Time
	Recurrence      string // none, daily, weekly, monthly, yearly
	DurationMinutes *int
	Exceptions      []OccurrenceException `gorm:"foreignKey:TemplateID;constraint:OnDelete:CASCADE"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OccurrenceException excludes or completes a single date of a template's
// series. "Delete only this occurrence" and "done for today" both append a
// row here instead of mutating the template.
type OccurrenceException struct {
	ID         uint      `gorm:"primaryKey"`
	TemplateID string    `gorm:"index:idx_template_date_kind,unique"`
	Date       time.Time `gorm:"index:idx_template_date_kind,unique"`
	Kind       string    `gorm:"index:idx_template_date_kind,unique"`
	CreatedAt  time.Time
}

// CancelledOn reports whether the given day was explicitly removed from the
// series. Only the date component matters.
func (t TaskTemplate) CancelledOn(day time.Time) bool {
	return t.hasException(day, ExceptionCancelled)
}

// CompletedOn reports whether the occurrence on the given day was marked done.
func (t TaskTemplate) CompletedOn(day time.Time) bool {
	return t.hasException(day, ExceptionCompleted)
}

func (t TaskTemplate) hasException(day time.Time, kind string) bool {
	for _, ex := range t.Exceptions {
		if ex.Kind == kind && sameDay(ex.Date, day) {
			return true
		}
	}
	return false
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
