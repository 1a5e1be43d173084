package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agenda-planner/internal/model"
	"agenda-planner/internal/recurrence"
	"agenda-planner/internal/repository"
)

// TemplateInput represents data required to create a task template.
type TemplateInput struct {
	Title           string
	Notes           string
	Category        string
	Origin          time.Time
	Recurrence      recurrence.Kind
	DurationMinutes int
}

// TemplateService wraps template-related business logic. It is the single
// owner of mutations; screens and jobs read through it rather than keeping
// their own copies of the list.
type TemplateService struct {
	templateRepo *repository.TemplateRepository
	categoryRepo *repository.CategoryRepository
	clock        Clock
}

func NewTemplateService(templateRepo *repository.TemplateRepository, categoryRepo *repository.CategoryRepository, clock Clock) *TemplateService {
	return &TemplateService{templateRepo: templateRepo, categoryRepo: categoryRepo, clock: clock}
}

func (s *TemplateService) CreateTemplate(ctx context.Context, user *model.User, input TemplateInput) (*model.TaskTemplate, error) {
	if input.Title == "" {
		return nil, fmt.Errorf("title is required")
	}

	origin := input.Origin
	if origin.IsZero() {
		origin = s.clock.Now()
	}

	var categoryID *uint
	if input.Category != "" {
		category, err := s.categoryRepo.GetOrCreate(ctx, user.ID, input.Category)
		if err != nil {
			return nil, err
		}
		if category != nil {
			categoryID = &category.ID
		}
	}

	tpl := model.TaskTemplate{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		CategoryID: categoryID,
		Title:      input.Title,
		Notes:      input.Notes,
		OriginDate: origin,
		Recurrence: string(input.Recurrence),
	}
	if input.DurationMinutes > 0 {
		minutes := input.DurationMinutes
		tpl.DurationMinutes = &minutes
	}

	if err := s.templateRepo.Create(ctx, &tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// TemplateEdit carries the fields of an edit. Nil means "leave unchanged";
// a pointer to the zero value clears the field where that makes sense
// (category, duration).
type TemplateEdit struct {
	Title           *string
	Notes           *string
	Category        *string
	Origin          *time.Time
	Recurrence      *recurrence.Kind
	DurationMinutes *int
}

// EditTemplate mutates a template in place. Title, origin time and
// recurrence can all change; exceptions already recorded stay attached to
// their dates.
func (s *TemplateService) EditTemplate(ctx context.Context, user *model.User, templateID string, edit TemplateEdit) (*model.TaskTemplate, error) {
	tpl, err := s.templateRepo.FindByID(ctx, user.ID, templateID)
	if err != nil {
		return nil, err
	}

	if edit.Title != nil {
		if *edit.Title == "" {
			return nil, fmt.Errorf("title is required")
		}
		tpl.Title = *edit.Title
	}
	if edit.Notes != nil {
		tpl.Notes = *edit.Notes
	}
	if edit.Category != nil {
		if *edit.Category == "" {
			tpl.CategoryID = nil
		} else {
			category, err := s.categoryRepo.GetOrCreate(ctx, user.ID, *edit.Category)
			if err != nil {
				return nil, err
			}
			tpl.CategoryID = &category.ID
		}
	}
	if edit.Origin != nil && !edit.Origin.IsZero() {
		tpl.OriginDate = *edit.Origin
	}
	if edit.Recurrence != nil {
		tpl.Recurrence = string(*edit.Recurrence)
	}
	if edit.DurationMinutes != nil {
		if *edit.DurationMinutes > 0 {
			minutes := *edit.DurationMinutes
			tpl.DurationMinutes = &minutes
		} else {
			tpl.DurationMinutes = nil
		}
	}

	if err := s.templateRepo.Update(ctx, tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

func (s *TemplateService) ListTemplates(ctx context.Context, user *model.User) ([]model.TaskTemplate, error) {
	return s.templateRepo.ListByUser(ctx, user.ID)
}

func (s *TemplateService) GetTemplate(ctx context.Context, user *model.User, templateID string) (*model.TaskTemplate, error) {
	return s.templateRepo.FindByID(ctx, user.ID, templateID)
}

// CancelOccurrence removes a single date from a recurring series. For a
// one-off template an exception would be meaningless, so the whole template
// is deleted instead.
func (s *TemplateService) CancelOccurrence(ctx context.Context, user *model.User, templateID string, date time.Time) error {
	tpl, err := s.templateRepo.FindByID(ctx, user.ID, templateID)
	if err != nil {
		return err
	}
	if recurrence.ParseKind(tpl.Recurrence) == recurrence.KindNone {
		return s.templateRepo.Delete(ctx, user.ID, templateID)
	}
	day := recurrence.StartOfDay(date)
	return s.templateRepo.AddException(ctx, templateID, day, model.ExceptionCancelled)
}

// CompleteOccurrence marks a single date of the series as done. Completion is
// tracked per occurrence; the series itself stays open.
func (s *TemplateService) CompleteOccurrence(ctx context.Context, user *model.User, templateID string, date time.Time) error {
	tpl, err := s.templateRepo.FindByID(ctx, user.ID, templateID)
	if err != nil {
		return err
	}
	day := recurrence.StartOfDay(date)
	if !recurrence.OccursOn(*tpl, day) {
		return fmt.Errorf("template %q has no occurrence on %s", tpl.Title, day.Format("2006-01-02"))
	}
	return s.templateRepo.AddException(ctx, templateID, day, model.ExceptionCompleted)
}

// UncompleteOccurrence reverts CompleteOccurrence for the given date.
func (s *TemplateService) UncompleteOccurrence(ctx context.Context, user *model.User, templateID string, date time.Time) error {
	if _, err := s.templateRepo.FindByID(ctx, user.ID, templateID); err != nil {
		return err
	}
	day := recurrence.StartOfDay(date)
	return s.templateRepo.RemoveException(ctx, templateID, day, model.ExceptionCompleted)
}

// DeleteSeries removes a template completely, exceptions included.
func (s *TemplateService) DeleteSeries(ctx context.Context, user *model.User, templateID string) error {
	return s.templateRepo.Delete(ctx, user.ID, templateID)
}
