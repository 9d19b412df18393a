package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/camden-git/facededupe/database"
	"github.com/camden-git/facededupe/models"
)

// ErrEmptyKey is returned when an occurrence is missing its identity or occurrence key
var ErrEmptyKey = errors.New("occurrence requires identity and occurrence keys")

// OccurrenceRepository handles database operations for Occurrence entities
type OccurrenceRepository struct {
	DB *gorm.DB
}

// NewOccurrenceRepository creates a new instance of OccurrenceRepository
func NewOccurrenceRepository(db *gorm.DB) *OccurrenceRepository {
	return &OccurrenceRepository{DB: db}
}

// Create appends an occurrence row. an existing (identity, occurrence) key pair is an error.
func (r *OccurrenceRepository) Create(ctx context.Context, occurrence *models.Occurrence) error {
	if occurrence.IdentityKey == "" || occurrence.OccurrenceKey == "" {
		return ErrEmptyKey
	}
	if occurrence.CreatedAt == 0 {
		occurrence.CreatedAt = time.Now().Unix()
	}

	err := r.DB.WithContext(ctx).Create(occurrence).Error
	if err != nil {
		return fmt.Errorf("failed to create occurrence %s for identity %s: %w", occurrence.OccurrenceKey, occurrence.IdentityKey, err)
	}
	return nil
}

// ListByIdentity returns every occurrence of one identity, oldest first
func (r *OccurrenceRepository) ListByIdentity(ctx context.Context, identityKey string) ([]models.Occurrence, error) {
	var occurrences []models.Occurrence
	err := r.DB.WithContext(ctx).
		Where("identity_key = ?", identityKey).
		Order("occurrence_key ASC").
		Find(&occurrences).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list occurrences for identity %s: %w", identityKey, err)
	}
	return occurrences, nil
}

// FirstByIdentity returns the oldest occurrence of an identity, or gorm.ErrRecordNotFound
func (r *OccurrenceRepository) FirstByIdentity(ctx context.Context, identityKey string) (*models.Occurrence, error) {
	var occurrence models.Occurrence
	err := r.DB.WithContext(ctx).
		Where("identity_key = ?", identityKey).
		Order("occurrence_key ASC").
		First(&occurrence).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get first occurrence for identity %s: %w", identityKey, err)
	}
	return &occurrence, nil
}

// ListRepresentatives returns the first occurrence of every identity with its occurrence count
func (r *OccurrenceRepository) ListRepresentatives(ctx context.Context) ([]database.IdentitySummary, error) {
	summaries, err := database.IdentityRepresentatives(r.DB.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to load representative occurrences: %w", err)
	}
	return summaries, nil
}
