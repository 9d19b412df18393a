package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/camden-git/facededupe/media"
)

// MaxImagePayloadBytes caps intake and match query bodies
const MaxImagePayloadBytes = 4 << 20

func tooLarge() *ValidationError {
	return &ValidationError{
		Status: http.StatusRequestEntityTooLarge,
		Code:   CodePayloadTooLarge,
		Detail: fmt.Sprintf("Image payload exceeds the %d MiB limit", MaxImagePayloadBytes>>20),
	}
}

func missingImage() *ValidationError {
	return &ValidationError{Status: http.StatusBadRequest, Code: CodeMissingImage, Detail: "No image found in the request"}
}

// readImagePayload accepts either a raw image body or a multipart form
// carrying exactly one image part, and returns the image bytes.
func readImagePayload(w http.ResponseWriter, r *http.Request) ([]byte, *ValidationError) {
	if r.ContentLength > MaxImagePayloadBytes {
		return nil, tooLarge()
	}
	r.Body = http.MaxBytesReader(w, r.Body, MaxImagePayloadBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		return readMultipartImage(r)
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, readError(err)
	}
	if len(data) == 0 {
		return nil, missingImage()
	}
	if !media.IsImageMediaType(mediaType) && media.SniffImageMediaType(data) == "" {
		return nil, missingImage()
	}
	return data, nil
}

func readMultipartImage(r *http.Request) ([]byte, *ValidationError) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, &ValidationError{Status: http.StatusBadRequest, Code: CodeInvalidPayload, Detail: "Invalid multipart form: " + err.Error()}
	}

	var image []byte
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, readError(err)
		}

		if !media.IsImageMediaType(part.Header.Get("Content-Type")) {
			// drain non-image fields so the size limit still applies to them
			if _, err := io.Copy(io.Discard, part); err != nil {
				return nil, readError(err)
			}
			continue
		}
		if image != nil {
			return nil, &ValidationError{Status: http.StatusBadRequest, Code: CodeMultipleImages, Detail: "Exactly one image part is allowed"}
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return nil, readError(err)
		}
		image = data
	}

	if len(image) == 0 {
		return nil, missingImage()
	}
	return image, nil
}

func readError(err error) *ValidationError {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return tooLarge()
	}
	return &ValidationError{Status: http.StatusBadRequest, Code: CodeInvalidPayload, Detail: "Malformed upload data"}
}
