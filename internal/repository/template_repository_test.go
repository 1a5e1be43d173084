package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"agenda-planner/internal/model"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return db
}

func newTemplate(userID uint, title string) *model.TaskTemplate {
	return &model.TaskTemplate{
		ID:         uuid.NewString(),
		UserID:     userID,
		Title:      title,
		OriginDate: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Recurrence: "daily",
	}
}

func TestTemplateCreateAndFind(t *testing.T) {
	repo := NewTemplateRepository(newTestDB(t))
	ctx := context.Background()

	tpl := newTemplate(1, "morning run")
	require.NoError(t, repo.Create(ctx, tpl))

	got, err := repo.FindByID(ctx, 1, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "morning run", got.Title)
	assert.Equal(t, "daily", got.Recurrence)

	// Other users can't see it.
	_, err = repo.FindByID(ctx, 2, tpl.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestTemplateListPreloadsExceptions(t *testing.T) {
	repo := NewTemplateRepository(newTestDB(t))
	ctx := context.Background()

	tpl := newTemplate(1, "standup")
	require.NoError(t, repo.Create(ctx, tpl))

	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.AddException(ctx, tpl.ID, day, model.ExceptionCancelled))

	tpls, err := repo.ListByUser(ctx, 1)
	require.NoError(t, err)
	require.Len(t, tpls, 1)
	require.Len(t, tpls[0].Exceptions, 1)
	assert.Equal(t, model.ExceptionCancelled, tpls[0].Exceptions[0].Kind)
	assert.True(t, tpls[0].CancelledOn(day))
}

func TestAddExceptionIsIdempotent(t *testing.T) {
	repo := NewTemplateRepository(newTestDB(t))
	ctx := context.Background()

	tpl := newTemplate(1, "review")
	require.NoError(t, repo.Create(ctx, tpl))

	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.AddException(ctx, tpl.ID, day, model.ExceptionCompleted))
	require.NoError(t, repo.AddException(ctx, tpl.ID, day, model.ExceptionCompleted))

	got, err := repo.FindByID(ctx, 1, tpl.ID)
	require.NoError(t, err)
	assert.Len(t, got.Exceptions, 1)

	// Same date, different kind is a separate row.
	require.NoError(t, repo.AddException(ctx, tpl.ID, day, model.ExceptionCancelled))
	got, err = repo.FindByID(ctx, 1, tpl.ID)
	require.NoError(t, err)
	assert.Len(t, got.Exceptions, 2)
}

func TestRemoveException(t *testing.T) {
	repo := NewTemplateRepository(newTestDB(t))
	ctx := context.Background()

	tpl := newTemplate(1, "journal")
	require.NoError(t, repo.Create(ctx, tpl))

	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.AddException(ctx, tpl.ID, day, model.ExceptionCompleted))
	require.NoError(t, repo.RemoveException(ctx, tpl.ID, day, model.ExceptionCompleted))

	got, err := repo.FindByID(ctx, 1, tpl.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Exceptions)
}

func TestDeleteRemovesTemplateAndExceptions(t *testing.T) {
	db := newTestDB(t)
	repo := NewTemplateRepository(db)
	ctx := context.Background()

	tpl := newTemplate(1, "water plants")
	require.NoError(t, repo.Create(ctx, tpl))
	require.NoError(t, repo.AddException(ctx, tpl.ID, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), model.ExceptionCancelled))

	require.NoError(t, repo.Delete(ctx, 1, tpl.ID))

	_, err := repo.FindByID(ctx, 1, tpl.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	var count int64
	require.NoError(t, db.Model(&model.OccurrenceException{}).Where("template_id = ?", tpl.ID).Count(&count).Error)
	assert.Zero(t, count)
}
