package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"log"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

const (
	ThumbnailFileExtension = ".png"

	UploadMaxSize     = 1440
	UploadJpegQuality = 90
)

// Processor handles media transformations like face thumbnails and intake
// resizing. it relies on a Store implementation for saving the results.
type Processor struct {
	store Store
}

func NewProcessor(store Store) *Processor {
	return &Processor{store: store}
}

// DecodeConfig reads the image header with the decoders registered by imaging
func (p *Processor) DecodeConfig(imageBytes []byte) (image.Config, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(imageBytes))
	if err != nil {
		return image.Config{}, &CodecError{Op: "decode", Err: err}
	}
	return cfg, nil
}

// CropFace cuts rect out of the image and fills maxWidth x maxHeight with it,
// cropping from the center when aspect ratios differ. The result is PNG.
func (p *Processor) CropFace(imageBytes []byte, rect image.Rectangle, maxWidth, maxHeight int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return nil, &CodecError{Op: "decode", Err: err}
	}

	region := rect.Intersect(img.Bounds())
	if region.Empty() {
		return nil, &CodecError{Op: "crop", Err: fmt.Errorf("rectangle %v does not overlap image bounds %v", rect, img.Bounds())}
	}

	face := imaging.Crop(img, region)
	thumb := imaging.Fill(face, maxInt(1, maxWidth), maxInt(1, maxHeight), imaging.Center, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.PNG); err != nil {
		return nil, &CodecError{Op: "encode", Err: err}
	}
	return buf.Bytes(), nil
}

// SaveThumbnail stores an encoded face thumbnail under a fresh random name.
// returns relative path to saved thumb or error.
func (p *Processor) SaveThumbnail(data []byte) (string, error) {
	thumbUUID, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate UUID for thumbnail: %w", err)
	}
	savedRelPath, err := p.store.Save(AssetTypeThumbnail, "", thumbUUID.String()+ThumbnailFileExtension, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to save thumbnail via store: %w", err)
	}
	return savedRelPath, nil
}

// DeleteThumbnail removes a thumbnail written by SaveThumbnail. missing files are not an error.
func (p *Processor) DeleteThumbnail(relativePath string) error {
	if err := p.store.Delete(relativePath); err != nil {
		return fmt.Errorf("failed to delete thumbnail via store: %w", err)
	}
	return nil
}

// PrepareUpload normalizes an uploaded image: it applies the EXIF orientation,
// shrinks it to fit UploadMaxSize on both sides and re-encodes it in its
// original format. returns the encoded bytes and a file extension.
func (p *Processor) PrepareUpload(data []byte) ([]byte, string, error) {
	img, formatName, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", &CodecError{Op: "decode", Err: err}
	}

	format, err := imaging.FormatFromExtension(formatName)
	if err != nil {
		// decodable but not encodable by imaging (e.g. webp); store as png
		format = imaging.PNG
		formatName = "png"
	}

	img = applyOrientation(img, readOrientation(data))

	bounds := img.Bounds()
	if bounds.Dx() > UploadMaxSize || bounds.Dy() > UploadMaxSize {
		img = imaging.Fit(img, UploadMaxSize, UploadMaxSize, imaging.Lanczos)
		log.Printf("processor: Resized upload from %dx%d to %dx%d", bounds.Dx(), bounds.Dy(), img.Bounds().Dx(), img.Bounds().Dy())
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(UploadJpegQuality)); err != nil {
		return nil, "", &CodecError{Op: "encode", Err: err}
	}
	return buf.Bytes(), extensionFor(format, formatName), nil
}

// SaveOriginal stores a prepared upload under a fresh random name in the
// originals directory, which fires the ingestion listeners.
func (p *Processor) SaveOriginal(data []byte, extension string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("refusing to store an empty image")
	}
	imageUUID, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate UUID for upload: %w", err)
	}
	savedRelPath, err := p.store.Save(AssetTypeOriginal, "", imageUUID.String()+extension, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to save upload via store: %w", err)
	}
	log.Printf("processor: Stored upload at %s", savedRelPath)
	return savedRelPath, nil
}

func extensionFor(format imaging.Format, formatName string) string {
	switch format {
	case imaging.JPEG:
		return ".jpg"
	case imaging.TIFF:
		return ".tif"
	default:
		return "." + formatName
	}
}
