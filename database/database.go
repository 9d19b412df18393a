package database

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"gorm.io/gorm"

	"github.com/camden-git/facededupe/models"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// IdentitySummary is the first occurrence of an identity along with how many
// occurrences it has
type IdentitySummary struct {
	models.Occurrence
	OccurrenceCount int64 `json:"occurrence_count"`
}

// IdentityRepresentatives returns one row per identity in a single query.
// the first occurrence is the one with the lowest (oldest) occurrence key.
func IdentityRepresentatives(db *gorm.DB) ([]IdentitySummary, error) {
	table := models.Occurrence{}.TableName()

	firstSQL, firstArgs, err := psql.Select(
		"identity_key",
		"MIN(occurrence_key) AS first_occurrence_key",
		"COUNT(*) AS occurrence_count",
	).
		From(table).
		GroupBy("identity_key").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build first occurrence subquery: %w", err)
	}

	queryBuilder := psql.Select("o.*", "f.occurrence_count").
		From(table+" AS o").
		Join("("+firstSQL+") AS f ON f.identity_key = o.identity_key AND f.first_occurrence_key = o.occurrence_key", firstArgs...).
		OrderBy("o.identity_key ASC")

	sqlStr, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL query for IdentityRepresentatives: %w", err)
	}

	summaries := []IdentitySummary{}
	if err := db.Raw(sqlStr, args...).Scan(&summaries).Error; err != nil {
		return nil, fmt.Errorf("failed to query identity representatives: %w", err)
	}
	if summaries == nil {
		summaries = []IdentitySummary{}
	}
	return summaries, nil
}
