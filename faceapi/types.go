package faceapi

import (
	"context"
	"fmt"
	"image"
)

// Rectangle is a face bounding box in source image pixels.
type Rectangle struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Bounds converts the rectangle to an image.Rectangle
func (r Rectangle) Bounds() image.Rectangle {
	return image.Rect(r.Left, r.Top, r.Left+r.Width, r.Top+r.Height)
}

// TargetFace renders the rectangle in the "left,top,width,height" form the
// face service expects in query strings.
func (r Rectangle) TargetFace() string {
	return fmt.Sprintf("%d,%d,%d,%d", r.Left, r.Top, r.Width, r.Height)
}

// DetectedFace is one face found by DetectFaces. LocalID is only meaningful to
// the service that issued it and only for a short time.
type DetectedFace struct {
	LocalID   string    `json:"faceId"`
	Rectangle Rectangle `json:"faceRectangle"`
}

// SimilarityMatch is a registered face similar to a detected one.
type SimilarityMatch struct {
	PersonID   string  `json:"persistedFaceId"`
	Confidence float64 `json:"confidence"`
}

// Client is the face detection and similarity service used by ingestion.
type Client interface {
	// EnsureGroupExists creates the known-faces group if it is absent
	EnsureGroupExists(ctx context.Context, group string) error
	// DetectFaces returns an empty slice, not an error, when no faces are found
	DetectFaces(ctx context.Context, image []byte) ([]DetectedFace, error)
	FindSimilar(ctx context.Context, localID string, group string) ([]SimilarityMatch, error)
	// RegisterFace adds the given region of image to the group and returns the durable identity
	RegisterFace(ctx context.Context, image []byte, group string, rect Rectangle) (string, error)
}

// ServiceError reports a failed face service call: transport errors,
// timeouts, non-2xx responses and malformed bodies all end up here.
type ServiceError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("face service %s failed with status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("face service %s failed: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}
