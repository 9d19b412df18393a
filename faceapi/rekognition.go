package faceapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"math"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

const (
	// detected crops are kept this long so FindSimilar can refer to them by local id
	detectedFaceTTL = 10 * time.Minute
	// server-side pre-filter, in rekognition's 0-100 scale
	searchMatchThreshold = 60
)

// RekognitionAPI is the subset of the rekognition client used here
type RekognitionAPI interface {
	DescribeCollection(ctx context.Context, params *rekognition.DescribeCollectionInput, optFns ...func(*rekognition.Options)) (*rekognition.DescribeCollectionOutput, error)
	CreateCollection(ctx context.Context, params *rekognition.CreateCollectionInput, optFns ...func(*rekognition.Options)) (*rekognition.CreateCollectionOutput, error)
	DetectFaces(ctx context.Context, params *rekognition.DetectFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectFacesOutput, error)
	SearchFacesByImage(ctx context.Context, params *rekognition.SearchFacesByImageInput, optFns ...func(*rekognition.Options)) (*rekognition.SearchFacesByImageOutput, error)
	IndexFaces(ctx context.Context, params *rekognition.IndexFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.IndexFacesOutput, error)
}

type detectedCrop struct {
	data      []byte
	expiresAt time.Time
}

// RekognitionClient implements Client on AWS Rekognition collections.
// Rekognition does not hand out ids for detected faces, so each detected face
// is cropped and held in memory under a generated local id until it expires.
type RekognitionClient struct {
	api     RekognitionAPI
	timeout time.Duration

	mu       sync.Mutex
	detected map[string]detectedCrop
	now      func() time.Time
}

// NewRekognitionClient loads the default AWS credential chain for region
func NewRekognitionClient(ctx context.Context, region string, timeout time.Duration) (*RekognitionClient, error) {
	awsNativeConfig, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("cannot load AWS config: %w", err)
	}
	return NewRekognitionClientWithAPI(rekognition.NewFromConfig(awsNativeConfig), timeout), nil
}

func NewRekognitionClientWithAPI(api RekognitionAPI, timeout time.Duration) *RekognitionClient {
	return &RekognitionClient{
		api:      api,
		timeout:  timeout,
		detected: make(map[string]detectedCrop),
		now:      time.Now,
	}
}

func (c *RekognitionClient) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *RekognitionClient) EnsureGroupExists(ctx context.Context, group string) error {
	const op = "ensure group"
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	_, err := c.api.DescribeCollection(callCtx, &rekognition.DescribeCollectionInput{
		CollectionId: aws.String(group),
	})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return &ServiceError{Op: op, Err: err}
	}

	out, err := c.api.CreateCollection(callCtx, &rekognition.CreateCollectionInput{
		CollectionId: aws.String(group),
	})
	if err != nil {
		var exists *types.ResourceAlreadyExistsException
		if errors.As(err, &exists) {
			log.Printf("faceapi: Collection %s already created by a concurrent caller", group)
			return nil
		}
		return &ServiceError{Op: op, Err: err}
	}
	log.Printf("faceapi: Created collection %s - %s", group, aws.ToString(out.CollectionArn))
	return nil
}

// DetectFaces converts rekognition's ratio bounding boxes into pixel rectangles
func (c *RekognitionClient) DetectFaces(ctx context.Context, imageBytes []byte) ([]DetectedFace, error) {
	const op = "detect"
	img, err := imaging.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return nil, &ServiceError{Op: op, Err: fmt.Errorf("could not decode image: %w", err)}
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	out, err := c.api.DetectFaces(callCtx, &rekognition.DetectFacesInput{
		Image: &types.Image{Bytes: imageBytes},
	})
	if err != nil {
		return nil, &ServiceError{Op: op, Err: err}
	}

	c.evictExpired()

	bounds := img.Bounds()
	faces := make([]DetectedFace, 0, len(out.FaceDetails))
	for _, detail := range out.FaceDetails {
		if detail.BoundingBox == nil {
			continue
		}
		rect := pixelRectangle(detail.BoundingBox, bounds.Dx(), bounds.Dy())
		if rect.Width <= 0 || rect.Height <= 0 {
			continue
		}
		crop, err := encodeRegion(img, rect)
		if err != nil {
			return nil, &ServiceError{Op: op, Err: err}
		}

		localID := uuid.NewString()
		c.mu.Lock()
		c.detected[localID] = detectedCrop{data: crop, expiresAt: c.now().Add(detectedFaceTTL)}
		c.mu.Unlock()

		faces = append(faces, DetectedFace{LocalID: localID, Rectangle: rect})
	}
	return faces, nil
}

func (c *RekognitionClient) FindSimilar(ctx context.Context, localID string, group string) ([]SimilarityMatch, error) {
	const op = "find similar"
	c.mu.Lock()
	crop, ok := c.detected[localID]
	c.mu.Unlock()
	if !ok || c.now().After(crop.expiresAt) {
		return nil, &ServiceError{Op: op, Err: fmt.Errorf("detected face %s is unknown or expired", localID)}
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	out, err := c.api.SearchFacesByImage(callCtx, &rekognition.SearchFacesByImageInput{
		CollectionId:       aws.String(group),
		Image:              &types.Image{Bytes: crop.data},
		FaceMatchThreshold: aws.Float32(searchMatchThreshold),
	})
	if err != nil {
		return nil, &ServiceError{Op: op, Err: err}
	}

	matches := make([]SimilarityMatch, 0, len(out.FaceMatches))
	for _, m := range out.FaceMatches {
		if m.Face == nil || m.Face.FaceId == nil {
			continue
		}
		matches = append(matches, SimilarityMatch{
			PersonID:   aws.ToString(m.Face.FaceId),
			Confidence: float64(aws.ToFloat32(m.Similarity)) / 100,
		})
	}
	return matches, nil
}

// RegisterFace indexes only the face region so the collection holds exactly one face for it
func (c *RekognitionClient) RegisterFace(ctx context.Context, imageBytes []byte, group string, rect Rectangle) (string, error) {
	const op = "register face"
	img, err := imaging.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return "", &ServiceError{Op: op, Err: fmt.Errorf("could not decode image: %w", err)}
	}
	crop, err := encodeRegion(img, rect)
	if err != nil {
		return "", &ServiceError{Op: op, Err: err}
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	out, err := c.api.IndexFaces(callCtx, &rekognition.IndexFacesInput{
		CollectionId: aws.String(group),
		Image:        &types.Image{Bytes: crop},
		MaxFaces:     aws.Int32(1),
	})
	if err != nil {
		return "", &ServiceError{Op: op, Err: err}
	}
	for _, record := range out.FaceRecords {
		if record.Face != nil && record.Face.FaceId != nil {
			return *record.Face.FaceId, nil
		}
	}
	return "", &ServiceError{Op: op, Err: fmt.Errorf("no face indexed in region %s (%d unindexed)", rect.TargetFace(), len(out.UnindexedFaces))}
}

func (c *RekognitionClient) evictExpired() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, crop := range c.detected {
		if now.After(crop.expiresAt) {
			delete(c.detected, id)
		}
	}
}

func pixelRectangle(box *types.BoundingBox, width, height int) Rectangle {
	scale := func(ratio *float32, size int) int {
		return int(math.Round(float64(aws.ToFloat32(ratio)) * float64(size)))
	}
	left := scale(box.Left, width)
	top := scale(box.Top, height)
	w := scale(box.Width, width)
	h := scale(box.Height, height)

	// boxes may extend past the frame edge
	if left < 0 {
		w += left
		left = 0
	}
	if top < 0 {
		h += top
		top = 0
	}
	if left+w > width {
		w = width - left
	}
	if top+h > height {
		h = height - top
	}
	return Rectangle{Left: left, Top: top, Width: w, Height: h}
}

func encodeRegion(img image.Image, rect Rectangle) ([]byte, error) {
	region := rect.Bounds().Intersect(img.Bounds())
	if region.Empty() {
		return nil, fmt.Errorf("face region %s is outside the image", rect.TargetFace())
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.Crop(img, region), imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
		return nil, fmt.Errorf("could not encode face region: %w", err)
	}
	return buf.Bytes(), nil
}
