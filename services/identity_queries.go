package services

import (
	"context"
	"errors"
	"log"
	"sort"

	"github.com/facette/natsort"
	"gorm.io/gorm"

	"github.com/camden-git/facededupe/database"
	"github.com/camden-git/facededupe/models"
)

// ListKnownIdentities returns one representative occurrence per identity,
// the oldest one with the identity's occurrence count, ordered naturally by
// identity key.
func (s *IngestionService) ListKnownIdentities(ctx context.Context) ([]database.IdentitySummary, error) {
	reps, err := s.repo.ListRepresentatives(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(reps))
	unique := make([]database.IdentitySummary, 0, len(reps))
	for _, o := range reps {
		if seen[o.IdentityKey] {
			continue
		}
		seen[o.IdentityKey] = true
		unique = append(unique, o)
	}

	sort.SliceStable(unique, func(i, j int) bool {
		return natsort.Compare(unique[i].IdentityKey, unique[j].IdentityKey)
	})
	return unique, nil
}

// ListOccurrences returns every occurrence of identityKey, oldest first
func (s *IngestionService) ListOccurrences(ctx context.Context, identityKey string) ([]models.Occurrence, error) {
	occurrences, err := s.repo.ListByIdentity(ctx, identityKey)
	if err != nil {
		return nil, err
	}
	if occurrences == nil {
		occurrences = []models.Occurrence{}
	}
	return occurrences, nil
}

// FindMatchingIdentities detects the faces in imageBytes and returns the first
// stored occurrence of every known identity they match. Nothing is registered
// or stored. Detection failures yield an empty result.
func (s *IngestionService) FindMatchingIdentities(ctx context.Context, imageBytes []byte) []models.Occurrence {
	results := []models.Occurrence{}

	detected, err := s.faces.DetectFaces(ctx, imageBytes)
	if err != nil {
		log.Printf("match: Face detection failed: %v", err)
		return results
	}

	seen := make(map[string]bool)
	for _, face := range detected {
		matches, err := s.faces.FindSimilar(ctx, face.LocalID, s.cfg.FaceGroup)
		if err != nil {
			log.Printf("match: Similarity search failed for face %s: %v", face.LocalID, err)
			continue
		}
		best, ok := selectMatch(matches)
		if !ok || seen[best.PersonID] {
			continue
		}
		seen[best.PersonID] = true

		occurrence, err := s.repo.FirstByIdentity(ctx, best.PersonID)
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				log.Printf("match: ERROR loading occurrence for identity %s: %v", best.PersonID, err)
			}
			continue
		}
		results = append(results, *occurrence)
	}
	return results
}
