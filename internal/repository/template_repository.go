package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"agenda-planner/internal/model"
)

// TemplateRepository handles CRUD for task templates and their occurrence
// exceptions. This single store replaces the separate task/calendar/daily
// slots the app used to keep.
type TemplateRepository struct {
	db *gorm.DB
}

func NewTemplateRepository(db *gorm.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

func (r *TemplateRepository) Create(ctx context.Context, tpl *model.TaskTemplate) error {
	if err := r.db.WithContext(ctx).Create(tpl).Error; err != nil {
		return fmt.Errorf("create template: %w", err)
	}
	return nil
}

// Update persists in-place edits. Exception rows are managed through
// AddException/RemoveException and are not touched here.
func (r *TemplateRepository) Update(ctx context.Context, tpl *model.TaskTemplate) error {
	if err := r.db.WithContext(ctx).Omit("Exceptions").Save(tpl).Error; err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	return nil
}

// ListByUser returns all templates for a user with exceptions preloaded,
// oldest origin first.
func (r *TemplateRepository) ListByUser(ctx context.Context, userID uint) ([]model.TaskTemplate, error) {
	var tpls []model.TaskTemplate
	if err := r.db.WithContext(ctx).Preload("Exceptions").
		Where("user_id = ?", userID).
		Order("origin_date ASC, created_at ASC").
		Find(&tpls).Error; err != nil {
		return nil, err
	}
	return tpls, nil
}

func (r *TemplateRepository) FindByID(ctx context.Context, userID uint, templateID string) (*model.TaskTemplate, error) {
	var tpl model.TaskTemplate
	if err := r.db.WithContext(ctx).Preload("Exceptions").
		Where("user_id = ? AND id = ?", userID, templateID).
		First(&tpl).Error; err != nil {
		return nil, err
	}
	return &tpl, nil
}

// AddException records a cancelled or completed occurrence. Duplicate rows
// for the same (template, date, kind) are ignored.
func (r *TemplateRepository) AddException(ctx context.Context, templateID string, date time.Time, kind string) error {
	ex := model.OccurrenceException{TemplateID: templateID, Date: date, Kind: kind}
	err := r.db.WithContext(ctx).
		Where("template_id = ? AND date = ? AND kind = ?", templateID, date, kind).
		FirstOrCreate(&ex).Error
	if err != nil {
		return fmt.Errorf("add %s exception: %w", kind, err)
	}
	return nil
}

func (r *TemplateRepository) RemoveException(ctx context.Context, templateID string, date time.Time, kind string) error {
	err := r.db.WithContext(ctx).
		Where("template_id = ? AND date = ? AND kind = ?", templateID, date, kind).
		Delete(&model.OccurrenceException{}).Error
	if err != nil {
		return fmt.Errorf("remove %s exception: %w", kind, err)
	}
	return nil
}

// Delete removes a template and all of its exceptions.
func (r *TemplateRepository) Delete(ctx context.Context, userID uint, templateID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("template_id = ?", templateID).
			Delete(&model.OccurrenceException{}).Error; err != nil {
			return fmt.Errorf("delete exceptions: %w", err)
		}
		if err := tx.Where("user_id = ? AND id = ?", userID, templateID).
			Delete(&model.TaskTemplate{}).Error; err != nil {
			return fmt.Errorf("delete template: %w", err)
		}
		return nil
	})
}
