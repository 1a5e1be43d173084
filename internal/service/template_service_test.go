package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"agenda-planner/internal/model"
	"agenda-planner/internal/recurrence"
	"agenda-planner/internal/repository"
)

func newTemplateService(t *testing.T, now time.Time) (*TemplateService, *repository.TemplateRepository) {
	t.Helper()
	db := newTestDB(t)
	templateRepo := repository.NewTemplateRepository(db)
	categoryRepo := repository.NewCategoryRepository(db)
	return NewTemplateService(templateRepo, categoryRepo, fixedClock{now: now}), templateRepo
}

func TestCreateTemplateDefaults(t *testing.T) {
	now := time.Date(2024, 3, 4, 15, 30, 0, 0, time.UTC)
	svc, _ := newTemplateService(t, now)
	user := &model.User{ID: 1}

	tpl, err := svc.CreateTemplate(context.Background(), user, TemplateInput{
		Title:      "water plants",
		Recurrence: recurrence.KindWeekly,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, tpl.ID)
	assert.True(t, tpl.OriginDate.Equal(now), "origin defaults to clock now")
	assert.Equal(t, "weekly", tpl.Recurrence)
	assert.Nil(t, tpl.DurationMinutes)
}

func TestCreateTemplateRequiresTitle(t *testing.T) {
	svc, _ := newTemplateService(t, time.Now())

	_, err := svc.CreateTemplate(context.Background(), &model.User{ID: 1}, TemplateInput{})
	assert.Error(t, err)
}

func TestCreateTemplateWithCategoryAndDuration(t *testing.T) {
	now := time.Date(2024, 3, 4, 15, 30, 0, 0, time.UTC)
	svc, repo := newTemplateService(t, now)
	user := &model.User{ID: 1}
	ctx := context.Background()

	tpl, err := svc.CreateTemplate(ctx, user, TemplateInput{
		Title:           "gym",
		Category:        "Health",
		Origin:          time.Date(2024, 4, 1, 18, 0, 0, 0, time.UTC),
		Recurrence:      recurrence.KindDaily,
		DurationMinutes: 60,
	})
	require.NoError(t, err)
	require.NotNil(t, tpl.CategoryID)
	require.NotNil(t, tpl.DurationMinutes)
	assert.Equal(t, 60, *tpl.DurationMinutes)

	got, err := repo.FindByID(ctx, 1, tpl.ID)
	require.NoError(t, err)
	assert.True(t, got.OriginDate.Equal(time.Date(2024, 4, 1, 18, 0, 0, 0, time.UTC)))
}

func TestEditTemplate(t *testing.T) {
	now := time.Date(2024, 3, 4, 15, 30, 0, 0, time.UTC)
	svc, repo := newTemplateService(t, now)
	user := &model.User{ID: 1}
	ctx := context.Background()

	tpl, err := svc.CreateTemplate(ctx, user, TemplateInput{
		Title:      "gym",
		Origin:     time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC),
		Recurrence: recurrence.KindWeekly,
	})
	require.NoError(t, err)

	title := "gym session"
	newOrigin := time.Date(2024, 3, 2, 7, 0, 0, 0, time.UTC)
	kind := recurrence.KindDaily
	minutes := 45
	edited, err := svc.EditTemplate(ctx, user, tpl.ID, TemplateEdit{
		Title:           &title,
		Origin:          &newOrigin,
		Recurrence:      &kind,
		DurationMinutes: &minutes,
	})
	require.NoError(t, err)
	assert.Equal(t, "gym session", edited.Title)
	assert.Equal(t, "daily", edited.Recurrence)

	got, err := repo.FindByID(ctx, 1, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "gym session", got.Title)
	assert.True(t, got.OriginDate.Equal(newOrigin))
	require.NotNil(t, got.DurationMinutes)
	assert.Equal(t, 45, *got.DurationMinutes)
}

func TestEditTemplateLeavesUnsetFieldsAlone(t *testing.T) {
	now := time.Date(2024, 3, 4, 15, 30, 0, 0, time.UTC)
	svc, repo := newTemplateService(t, now)
	user := &model.User{ID: 1}
	ctx := context.Background()

	tpl, err := svc.CreateTemplate(ctx, user, TemplateInput{
		Title:           "standup",
		Notes:           "zoom link",
		Category:        "Work",
		Origin:          time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Recurrence:      recurrence.KindDaily,
		DurationMinutes: 15,
	})
	require.NoError(t, err)

	title := "daily standup"
	_, err = svc.EditTemplate(ctx, user, tpl.ID, TemplateEdit{Title: &title})
	require.NoError(t, err)

	got, err := repo.FindByID(ctx, 1, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "daily standup", got.Title)
	assert.Equal(t, "zoom link", got.Notes)
	assert.Equal(t, "daily", got.Recurrence)
	require.NotNil(t, got.CategoryID)
	require.NotNil(t, got.DurationMinutes)
	assert.Equal(t, 15, *got.DurationMinutes)
	assert.True(t, got.OriginDate.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))
}

func TestEditTemplateRejectsEmptyTitle(t *testing.T) {
	svc, _ := newTemplateService(t, time.Now())
	user := &model.User{ID: 1}
	ctx := context.Background()

	tpl, err := svc.CreateTemplate(ctx, user, TemplateInput{Title: "journal"})
	require.NoError(t, err)

	empty := ""
	_, err = svc.EditTemplate(ctx, user, tpl.ID, TemplateEdit{Title: &empty})
	assert.Error(t, err)
}

func TestEditTemplateKeepsExceptions(t *testing.T) {
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	svc, repo := newTemplateService(t, now)
	user := &model.User{ID: 1}
	ctx := context.Background()

	tpl, err := svc.CreateTemplate(ctx, user, TemplateInput{
		Title:      "journal",
		Origin:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Recurrence: recurrence.KindDaily,
	})
	require.NoError(t, err)
	require.NoError(t, svc.CancelOccurrence(ctx, user, tpl.ID, now))

	title := "evening journal"
	_, err = svc.EditTemplate(ctx, user, tpl.ID, TemplateEdit{Title: &title})
	require.NoError(t, err)

	got, err := repo.FindByID(ctx, 1, tpl.ID)
	require.NoError(t, err)
	require.Len(t, got.Exceptions, 1)
	assert.False(t, recurrence.OccursOn(*got, now))
}

func TestEditTemplateClearsCategory(t *testing.T) {
	now := time.Date(2024, 3, 4, 15, 30, 0, 0, time.UTC)
	svc, repo := newTemplateService(t, now)
	user := &model.User{ID: 1}
	ctx := context.Background()

	tpl, err := svc.CreateTemplate(ctx, user, TemplateInput{Title: "gym", Category: "Health"})
	require.NoError(t, err)
	require.NotNil(t, tpl.CategoryID)

	none := ""
	_, err = svc.EditTemplate(ctx, user, tpl.ID, TemplateEdit{Category: &none})
	require.NoError(t, err)

	got, err := repo.FindByID(ctx, 1, tpl.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CategoryID)
}

func TestEditTemplateOtherUsersCannotEdit(t *testing.T) {
	now := time.Date(2024, 3, 4, 15, 30, 0, 0, time.UTC)
	svc, _ := newTemplateService(t, now)
	ctx := context.Background()

	tpl, err := svc.CreateTemplate(ctx, &model.User{ID: 1}, TemplateInput{Title: "journal"})
	require.NoError(t, err)

	title := "hijacked"
	_, err = svc.EditTemplate(ctx, &model.User{ID: 2}, tpl.ID, TemplateEdit{Title: &title})
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestCompleteOccurrence(t *testing.T) {
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	svc, repo := newTemplateService(t, now)
	user := &model.User{ID: 1}
	ctx := context.Background()

	tpl, err := svc.CreateTemplate(ctx, user, TemplateInput{
		Title:      "journal",
		Origin:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Recurrence: recurrence.KindDaily,
	})
	require.NoError(t, err)

	require.NoError(t, svc.CompleteOccurrence(ctx, user, tpl.ID, now))

	got, err := repo.FindByID(ctx, 1, tpl.ID)
	require.NoError(t, err)
	assert.True(t, got.CompletedOn(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)))
	// The occurrence itself is untouched; only this date is closed.
	assert.True(t, recurrence.OccursOn(*got, now))
	assert.False(t, got.CompletedOn(time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)))
}

func TestCompleteOccurrenceRejectsNonOccurrenceDay(t *testing.T) {
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	svc, _ := newTemplateService(t, now)
	user := &model.User{ID: 1}
	ctx := context.Background()

	// Weekly on Fridays starting 2024-03-01.
	tpl, err := svc.CreateTemplate(ctx, user, TemplateInput{
		Title:      "weekly review",
		Origin:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Recurrence: recurrence.KindWeekly,
	})
	require.NoError(t, err)

	// 2024-03-05 is a Tuesday.
	err = svc.CompleteOccurrence(ctx, user, tpl.ID, now)
	assert.Error(t, err)
}

func TestUncompleteOccurrence(t *testing.T) {
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	svc, repo := newTemplateService(t, now)
	user := &model.User{ID: 1}
	ctx := context.Background()

	tpl, err := svc.CreateTemplate(ctx, user, TemplateInput{
		Title:      "journal",
		Origin:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Recurrence: recurrence.KindDaily,
	})
	require.NoError(t, err)

	require.NoError(t, svc.CompleteOccurrence(ctx, user, tpl.ID, now))
	require.NoError(t, svc.UncompleteOccurrence(ctx, user, tpl.ID, now))

	got, err := repo.FindByID(ctx, 1, tpl.ID)
	require.NoError(t, err)
	assert.False(t, got.CompletedOn(now))
}

func TestCancelOccurrenceOnRecurringSeries(t *testing.T) {
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	svc, repo := newTemplateService(t, now)
	user := &model.User{ID: 1}
	ctx := context.Background()

	tpl, err := svc.CreateTemplate(ctx, user, TemplateInput{
		Title:      "journal",
		Origin:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Recurrence: recurrence.KindDaily,
	})
	require.NoError(t, err)

	require.NoError(t, svc.CancelOccurrence(ctx, user, tpl.ID, now))

	got, err := repo.FindByID(ctx, 1, tpl.ID)
	require.NoError(t, err)
	assert.False(t, recurrence.OccursOn(*got, now), "cancelled date no longer occurs")
	assert.True(t, recurrence.OccursOn(*got, now.AddDate(0, 0, 1)), "series continues")
}

func TestCancelOccurrenceOnOneOffDeletesTemplate(t *testing.T) {
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	svc, repo := newTemplateService(t, now)
	user := &model.User{ID: 1}
	ctx := context.Background()

	tpl, err := svc.CreateTemplate(ctx, user, TemplateInput{
		Title:      "dentist",
		Origin:     now,
		Recurrence: recurrence.KindNone,
	})
	require.NoError(t, err)

	require.NoError(t, svc.CancelOccurrence(ctx, user, tpl.ID, now))

	_, err = repo.FindByID(ctx, 1, tpl.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestDeleteSeries(t *testing.T) {
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	svc, repo := newTemplateService(t, now)
	user := &model.User{ID: 1}
	ctx := context.Background()

	tpl, err := svc.CreateTemplate(ctx, user, TemplateInput{
		Title:      "journal",
		Origin:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Recurrence: recurrence.KindDaily,
	})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteSeries(ctx, user, tpl.ID))
	_, err = repo.FindByID(ctx, 1, tpl.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
