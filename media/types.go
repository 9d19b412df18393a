package media

import "fmt"

type AssetType string

const (
	AssetTypeOriginal  AssetType = "original"
	AssetTypeThumbnail AssetType = "thumbnail"
)

// ThumbnailDirName is the path component that marks workflow-written thumbnails
const ThumbnailDirName = "thumbnail"

// SaveListener is notified after an asset has been written to the store
type SaveListener func(assetType AssetType, relativePath string)

// CodecError reports image bytes that could not be decoded, cropped or encoded
type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("image %s failed: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}
