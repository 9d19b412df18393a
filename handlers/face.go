package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/camden-git/facededupe/database"
	"github.com/camden-git/facededupe/media"
	"github.com/camden-git/facededupe/models"
)

// FaceQueries is the read side of the ingestion service
type FaceQueries interface {
	ListKnownIdentities(ctx context.Context) ([]database.IdentitySummary, error)
	ListOccurrences(ctx context.Context, identityKey string) ([]models.Occurrence, error)
	FindMatchingIdentities(ctx context.Context, imageBytes []byte) []models.Occurrence
}

// UploadStore prepares and stores intake images. media.Processor satisfies it.
type UploadStore interface {
	PrepareUpload(data []byte) ([]byte, string, error)
	SaveOriginal(data []byte, extension string) (string, error)
}

type FaceHandler struct {
	Faces   FaceQueries
	Uploads UploadStore
	Assets  http.HandlerFunc
}

// Routes mounts under /api/faces
func (fh *FaceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", fh.ListIdentities)
	r.Post("/", fh.Upload)
	r.Post("/similar", fh.FindSimilar)
	if fh.Assets != nil {
		r.Get("/assets/*", fh.Assets)
	}
	r.Get("/{face_id}", fh.ListOccurrences)
	return r
}

// Upload stores one image under the originals directory. Ingestion is
// triggered by the store, not by this handler.
func (fh *FaceHandler) Upload(w http.ResponseWriter, r *http.Request) {
	data, verr := readImagePayload(w, r)
	if verr != nil {
		writeValidationError(w, verr)
		return
	}

	prepared, ext, err := fh.Uploads.PrepareUpload(data)
	if err != nil {
		var codecErr *media.CodecError
		if errors.As(err, &codecErr) {
			WriteAPIError(w, http.StatusBadRequest, CodeUndecodable, "The uploaded image could not be decoded")
			return
		}
		log.Printf("Error preparing upload: %v", err)
		WriteAPIError(w, http.StatusInternalServerError, CodeInternal, "Failed to process upload")
		return
	}

	if _, err := fh.Uploads.SaveOriginal(prepared, ext); err != nil {
		log.Printf("Error storing upload: %v", err)
		WriteAPIError(w, http.StatusInternalServerError, CodeInternal, "Failed to store upload")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (fh *FaceHandler) ListIdentities(w http.ResponseWriter, r *http.Request) {
	identities, err := fh.Faces.ListKnownIdentities(r.Context())
	if err != nil {
		log.Printf("Error listing identities: %v", err)
		WriteAPIError(w, http.StatusInternalServerError, CodeInternal, "Failed to list faces")
		return
	}
	writeJSON(w, http.StatusOK, identities)
}

func (fh *FaceHandler) ListOccurrences(w http.ResponseWriter, r *http.Request) {
	faceID, err := url.PathUnescape(chi.URLParam(r, "face_id"))
	if err != nil || faceID == "" {
		WriteAPIError(w, http.StatusBadRequest, CodeInvalidPayload, "Invalid face id")
		return
	}

	occurrences, err := fh.Faces.ListOccurrences(r.Context(), faceID)
	if err != nil {
		log.Printf("Error listing occurrences for %s: %v", faceID, err)
		WriteAPIError(w, http.StatusInternalServerError, CodeInternal, "Failed to list face occurrences")
		return
	}
	writeJSON(w, http.StatusOK, occurrences)
}

// FindSimilar returns the known identities present in the posted image
func (fh *FaceHandler) FindSimilar(w http.ResponseWriter, r *http.Request) {
	data, verr := readImagePayload(w, r)
	if verr != nil {
		writeValidationError(w, verr)
		return
	}
	writeJSON(w, http.StatusOK, fh.Faces.FindMatchingIdentities(r.Context(), data))
}
