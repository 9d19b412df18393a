package repository

import (
	"context"

	"github.com/camden-git/facededupe/database"
	"github.com/camden-git/facededupe/models"
)

// OccurrenceRepositoryInterface defines the methods for occurrence data operations.
// Occurrences are append only.
type OccurrenceRepositoryInterface interface {
	Create(ctx context.Context, occurrence *models.Occurrence) error
	ListByIdentity(ctx context.Context, identityKey string) ([]models.Occurrence, error)
	FirstByIdentity(ctx context.Context, identityKey string) (*models.Occurrence, error)
	ListRepresentatives(ctx context.Context) ([]database.IdentitySummary, error)
}
