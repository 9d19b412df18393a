package media

import (
	"mime"
	"net/http"
	"strings"
)

var supportedImageMediaTypes = map[string]bool{
	"image/jpeg": true, "image/png": true, "image/gif": true, "image/bmp": true, "image/tiff": true,
}

// IsImageMediaType reports whether a Content-Type header names a raster image we can decode
func IsImageMediaType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return supportedImageMediaTypes[strings.ToLower(mediaType)]
}

// SniffImageMediaType inspects the leading bytes and returns the image media
// type, or an empty string when data is not a supported image
func SniffImageMediaType(data []byte) string {
	mediaType := http.DetectContentType(data)
	if !supportedImageMediaTypes[mediaType] {
		return ""
	}
	return mediaType
}
