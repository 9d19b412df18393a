package services

import (
	"context"
	"fmt"
	"image"
	"log"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/camden-git/facededupe/faceapi"
	"github.com/camden-git/facededupe/models"
	"github.com/camden-git/facededupe/repository"
)

const (
	// SimilarityThreshold is exclusive: a match must score strictly above it
	SimilarityThreshold = 0.6

	ThumbnailWidth  = 200
	ThumbnailHeight = 200
)

// FaceThumbnailer decodes source images and crops, stores and removes face
// thumbnails. media.Processor satisfies it.
type FaceThumbnailer interface {
	DecodeConfig(imageBytes []byte) (image.Config, error)
	CropFace(imageBytes []byte, rect image.Rectangle, maxWidth, maxHeight int) ([]byte, error)
	SaveThumbnail(data []byte) (string, error)
	DeleteThumbnail(relativePath string) error
}

// AssetLocator turns a stored relative path into a public URL
type AssetLocator interface {
	URL(relativePath string) string
}

type outcomeKind int

const (
	OutcomeReused outcomeKind = iota
	OutcomeRegistered
)

func (k outcomeKind) String() string {
	if k == OutcomeReused {
		return "reused"
	}
	return "registered"
}

// identityOutcome tells whether a face joined an existing identity or created one
type identityOutcome struct {
	Kind     outcomeKind
	Identity string
}

// IngestionConfig holds the values the workflow needs at construction time
type IngestionConfig struct {
	FaceGroup       string
	FaceConcurrency int
}

// IngestionService turns stored images into occurrence rows
type IngestionService struct {
	faces      faceapi.Client
	thumbnails FaceThumbnailer
	assets     AssetLocator
	repo       repository.OccurrenceRepositoryInterface
	cfg        IngestionConfig

	newOccurrenceKey func() (string, error)
}

func NewIngestionService(
	faces faceapi.Client,
	thumbnails FaceThumbnailer,
	assets AssetLocator,
	repo repository.OccurrenceRepositoryInterface,
	cfg IngestionConfig,
) *IngestionService {
	if cfg.FaceConcurrency <= 0 {
		cfg.FaceConcurrency = 1
	}
	return &IngestionService{
		faces:      faces,
		thumbnails: thumbnails,
		assets:     assets,
		repo:       repo,
		cfg:        cfg,
		newOccurrenceKey: func() (string, error) {
			key, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return key.String(), nil
		},
	}
}

// ProcessImage detects the faces in one stored image and appends an occurrence
// per face. Failures are logged; a face that fails is skipped and not retried.
func (s *IngestionService) ProcessImage(ctx context.Context, imageBytes []byte, imageLocation string) {
	if len(imageBytes) == 0 {
		log.Printf("ingest: Skipping %s: empty image", imageLocation)
		return
	}
	if _, err := s.thumbnails.DecodeConfig(imageBytes); err != nil {
		log.Printf("ingest: Skipping %s: not a decodable image: %v", imageLocation, err)
		return
	}

	detected, err := s.faces.DetectFaces(ctx, imageBytes)
	if err != nil {
		log.Printf("ingest: Face detection failed for %s: %v", imageLocation, err)
		return
	}
	if len(detected) == 0 {
		log.Printf("ingest: No faces detected in %s", imageLocation)
		return
	}
	log.Printf("ingest: Detected %d face(s) in %s", len(detected), imageLocation)

	if err := s.faces.EnsureGroupExists(ctx, s.cfg.FaceGroup); err != nil {
		log.Printf("ingest: WARNING could not ensure face group %s exists: %v", s.cfg.FaceGroup, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FaceConcurrency)
	for i, face := range detected {
		i, face := i, face
		g.Go(func() error {
			occurrence, err := s.processFace(gctx, imageBytes, imageLocation, face)
			if err != nil {
				log.Printf("ingest: ERROR face %d of %s skipped: %v", i+1, imageLocation, err)
				return nil
			}
			log.Printf("ingest: Face %d of %s recorded as occurrence %s of identity %s", i+1, imageLocation, occurrence.OccurrenceKey, occurrence.IdentityKey)
			return nil
		})
	}
	g.Wait()
}

// processFace runs crop, search, register-or-reuse and append in order for one face
func (s *IngestionService) processFace(ctx context.Context, imageBytes []byte, imageLocation string, face faceapi.DetectedFace) (*models.Occurrence, error) {
	thumb, err := s.thumbnails.CropFace(imageBytes, face.Rectangle.Bounds(), ThumbnailWidth, ThumbnailHeight)
	if err != nil {
		return nil, fmt.Errorf("thumbnail crop failed: %w", err)
	}
	thumbPath, err := s.thumbnails.SaveThumbnail(thumb)
	if err != nil {
		return nil, fmt.Errorf("thumbnail save failed: %w", err)
	}

	outcome, err := s.resolveIdentity(ctx, imageBytes, face)
	if err != nil {
		s.discardThumbnail(thumbPath)
		return nil, err
	}
	log.Printf("ingest: Face %s %s identity %s", face.LocalID, outcome.Kind, outcome.Identity)

	key, err := s.newOccurrenceKey()
	if err != nil {
		s.discardThumbnail(thumbPath)
		return nil, fmt.Errorf("failed to generate occurrence key: %w", err)
	}
	occurrence := &models.Occurrence{
		IdentityKey:      outcome.Identity,
		OccurrenceKey:    key,
		FaceURL:          imageLocation,
		FaceThumbnailURL: s.assets.URL(thumbPath),
		Left:             face.Rectangle.Left,
		Top:              face.Rectangle.Top,
		Width:            face.Rectangle.Width,
		Height:           face.Rectangle.Height,
	}
	if err := s.repo.Create(ctx, occurrence); err != nil {
		s.discardThumbnail(thumbPath)
		return nil, err
	}
	return occurrence, nil
}

// discardThumbnail removes a thumbnail no occurrence will reference
func (s *IngestionService) discardThumbnail(thumbPath string) {
	if err := s.thumbnails.DeleteThumbnail(thumbPath); err != nil {
		log.Printf("ingest: WARNING could not remove orphaned thumbnail %s: %v", thumbPath, err)
	}
}

func (s *IngestionService) resolveIdentity(ctx context.Context, imageBytes []byte, face faceapi.DetectedFace) (identityOutcome, error) {
	matches, err := s.faces.FindSimilar(ctx, face.LocalID, s.cfg.FaceGroup)
	if err != nil {
		return identityOutcome{}, fmt.Errorf("similarity search failed: %w", err)
	}
	if best, ok := selectMatch(matches); ok {
		return identityOutcome{Kind: OutcomeReused, Identity: best.PersonID}, nil
	}

	identity, err := s.faces.RegisterFace(ctx, imageBytes, s.cfg.FaceGroup, face.Rectangle)
	if err != nil {
		return identityOutcome{}, fmt.Errorf("face registration failed: %w", err)
	}
	return identityOutcome{Kind: OutcomeRegistered, Identity: identity}, nil
}

// selectMatch picks the highest confidence match strictly above
// SimilarityThreshold. the first one returned wins a tie.
func selectMatch(matches []faceapi.SimilarityMatch) (faceapi.SimilarityMatch, bool) {
	var best faceapi.SimilarityMatch
	found := false
	for _, m := range matches {
		if m.PersonID == "" || m.Confidence <= SimilarityThreshold {
			continue
		}
		if !found || m.Confidence > best.Confidence {
			best = m
			found = true
		}
	}
	return best, found
}
