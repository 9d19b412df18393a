package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/camden-git/facededupe/database"
	"github.com/camden-git/facededupe/media"
	"github.com/camden-git/facededupe/models"
)

// a JPEG SOI marker is enough for content sniffing
var jpegBytes = append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{0x01}, 64)...)

type stubQueries struct {
	identities   []database.IdentitySummary
	occurrences  map[string][]models.Occurrence
	matches      []models.Occurrence
	listErr      error
	lastIdentity string
	matchCalls   int
}

func (s *stubQueries) ListKnownIdentities(ctx context.Context) ([]database.IdentitySummary, error) {
	return s.identities, s.listErr
}

func (s *stubQueries) ListOccurrences(ctx context.Context, identityKey string) ([]models.Occurrence, error) {
	s.lastIdentity = identityKey
	if rows, ok := s.occurrences[identityKey]; ok {
		return rows, nil
	}
	return []models.Occurrence{}, nil
}

func (s *stubQueries) FindMatchingIdentities(ctx context.Context, imageBytes []byte) []models.Occurrence {
	s.matchCalls++
	if s.matches == nil {
		return []models.Occurrence{}
	}
	return s.matches
}

type stubUploads struct {
	prepareErr error
	saved      [][]byte
	savedExt   []string
}

func (s *stubUploads) PrepareUpload(data []byte) ([]byte, string, error) {
	if s.prepareErr != nil {
		return nil, "", s.prepareErr
	}
	return append([]byte("prepared:"), data...), ".jpg", nil
}

func (s *stubUploads) SaveOriginal(data []byte, extension string) (string, error) {
	s.saved = append(s.saved, data)
	s.savedExt = append(s.savedExt, extension)
	return "faces/new.jpg", nil
}

func newTestRouter(fh *FaceHandler) http.Handler {
	r := chi.NewRouter()
	r.Mount("/api/faces", fh.Routes())
	return r
}

type testPart struct {
	field       string
	contentType string
	data        []byte
}

func multipartBody(t *testing.T, parts ...testPart) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for _, p := range parts {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", `form-data; name="`+p.field+`"; filename="`+p.field+`.bin"`)
		if p.contentType != "" {
			h.Set("Content-Type", p.contentType)
		}
		w, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		w.Write(p.data)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return body, mw.FormDataContentType()
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) APIErrorDetail {
	t.Helper()
	var resp APIErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if len(resp.Errors) != 1 {
		t.Fatalf("expected one error, got %+v", resp)
	}
	return resp.Errors[0]
}

func TestUploadRawBody(t *testing.T) {
	uploads := &stubUploads{}
	router := newTestRouter(&FaceHandler{Faces: &stubQueries{}, Uploads: uploads})

	req := httptest.NewRequest(http.MethodPost, "/api/faces", bytes.NewReader(jpegBytes))
	req.Header.Set("Content-Type", "application/octet-stream")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", rec.Body.String())
	}
	if len(uploads.saved) != 1 || !bytes.HasPrefix(uploads.saved[0], []byte("prepared:")) {
		t.Fatalf("expected the prepared image to be saved, got %d saves", len(uploads.saved))
	}
	if uploads.savedExt[0] != ".jpg" {
		t.Errorf("unexpected extension %s", uploads.savedExt[0])
	}
}

func TestUploadMultipartSingleImage(t *testing.T) {
	uploads := &stubUploads{}
	router := newTestRouter(&FaceHandler{Faces: &stubQueries{}, Uploads: uploads})

	body, contentType := multipartBody(t,
		testPart{field: "note", contentType: "text/plain", data: []byte("hello")},
		testPart{field: "file", contentType: "image/jpeg", data: jpegBytes},
	)
	req := httptest.NewRequest(http.MethodPost, "/api/faces", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(uploads.saved) != 1 || !bytes.Equal(uploads.saved[0], append([]byte("prepared:"), jpegBytes...)) {
		t.Errorf("expected only the image part to be saved")
	}
}

func TestUploadRejections(t *testing.T) {
	tooBig := bytes.Repeat([]byte{0xFF}, MaxImagePayloadBytes+1)

	tests := []struct {
		name       string
		body       func(t *testing.T) (*bytes.Buffer, string)
		wantStatus int
		wantCode   string
	}{
		{
			name:       "raw payload too large",
			body:       func(t *testing.T) (*bytes.Buffer, string) { return bytes.NewBuffer(tooBig), "image/jpeg" },
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   CodePayloadTooLarge,
		},
		{
			name: "multipart payload too large",
			body: func(t *testing.T) (*bytes.Buffer, string) {
				return multipartBody(t, testPart{field: "file", contentType: "image/jpeg", data: tooBig})
			},
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   CodePayloadTooLarge,
		},
		{
			name: "no image part",
			body: func(t *testing.T) (*bytes.Buffer, string) {
				return multipartBody(t, testPart{field: "note", contentType: "text/plain", data: []byte("hello")})
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeMissingImage,
		},
		{
			name: "multiple image parts",
			body: func(t *testing.T) (*bytes.Buffer, string) {
				return multipartBody(t,
					testPart{field: "a", contentType: "image/jpeg", data: jpegBytes},
					testPart{field: "b", contentType: "image/png", data: jpegBytes},
				)
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeMultipleImages,
		},
		{
			name:       "empty body",
			body:       func(t *testing.T) (*bytes.Buffer, string) { return &bytes.Buffer{}, "image/jpeg" },
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeMissingImage,
		},
		{
			name:       "raw body is not an image",
			body:       func(t *testing.T) (*bytes.Buffer, string) { return bytes.NewBufferString("just text"), "text/plain" },
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeMissingImage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uploads := &stubUploads{}
			router := newTestRouter(&FaceHandler{Faces: &stubQueries{}, Uploads: uploads})

			body, contentType := tt.body(t)
			req := httptest.NewRequest(http.MethodPost, "/api/faces", body)
			req.Header.Set("Content-Type", contentType)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if got := decodeAPIError(t, rec); got.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, got.Code)
			}
			if len(uploads.saved) != 0 {
				t.Error("rejected payload must not be stored")
			}
		})
	}
}

func TestUploadUndecodableImage(t *testing.T) {
	uploads := &stubUploads{prepareErr: &media.CodecError{Op: "decode", Err: errors.New("bad header")}}
	router := newTestRouter(&FaceHandler{Faces: &stubQueries{}, Uploads: uploads})

	req := httptest.NewRequest(http.MethodPost, "/api/faces", bytes.NewReader(jpegBytes))
	req.Header.Set("Content-Type", "image/jpeg")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if got := decodeAPIError(t, rec); got.Code != CodeUndecodable {
		t.Errorf("expected %s, got %s", CodeUndecodable, got.Code)
	}
	if len(uploads.saved) != 0 {
		t.Error("undecodable upload must not be stored")
	}
}

func TestListIdentities(t *testing.T) {
	queries := &stubQueries{identities: []database.IdentitySummary{
		{Occurrence: models.Occurrence{IdentityKey: "p1", OccurrenceKey: "k1", FaceURL: "http://a/faces/1.jpg", Width: 10}, OccurrenceCount: 3},
	}}
	router := newTestRouter(&FaceHandler{Faces: queries, Uploads: &stubUploads{}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/faces", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0]["identity_key"] != "p1" || got[0]["width"] != float64(10) || got[0]["occurrence_count"] != float64(3) {
		t.Errorf("unexpected response %+v", got)
	}
}

func TestListIdentitiesError(t *testing.T) {
	queries := &stubQueries{listErr: errors.New("db down")}
	router := newTestRouter(&FaceHandler{Faces: queries, Uploads: &stubUploads{}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/faces", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestListOccurrences(t *testing.T) {
	queries := &stubQueries{occurrences: map[string][]models.Occurrence{
		"p 1": {{IdentityKey: "p 1", OccurrenceKey: "a"}, {IdentityKey: "p 1", OccurrenceKey: "b"}},
	}}
	router := newTestRouter(&FaceHandler{Faces: queries, Uploads: &stubUploads{}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/faces/p%201", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if queries.lastIdentity != "p 1" {
		t.Errorf("expected unescaped identity, got %q", queries.lastIdentity)
	}
	var got []models.Occurrence
	json.NewDecoder(rec.Body).Decode(&got)
	if len(got) != 2 {
		t.Errorf("expected 2 occurrences, got %d", len(got))
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/faces/unknown", nil))
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty array, got %q", rec.Body.String())
	}
}

func TestFindSimilar(t *testing.T) {
	queries := &stubQueries{}
	router := newTestRouter(&FaceHandler{Faces: queries, Uploads: &stubUploads{}})

	req := httptest.NewRequest(http.MethodPost, "/api/faces/similar", bytes.NewReader(jpegBytes))
	req.Header.Set("Content-Type", "image/jpeg")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty array, got %q", rec.Body.String())
	}

	queries.matches = []models.Occurrence{{IdentityKey: "p1", OccurrenceKey: "k"}}
	req = httptest.NewRequest(http.MethodPost, "/api/faces/similar", bytes.NewReader(jpegBytes))
	req.Header.Set("Content-Type", "image/jpeg")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var got []models.Occurrence
	json.NewDecoder(rec.Body).Decode(&got)
	if len(got) != 1 || got[0].IdentityKey != "p1" {
		t.Errorf("unexpected matches %+v", got)
	}
}

func TestFindSimilarRejectsLargePayload(t *testing.T) {
	queries := &stubQueries{}
	router := newTestRouter(&FaceHandler{Faces: queries, Uploads: &stubUploads{}})

	req := httptest.NewRequest(http.MethodPost, "/api/faces/similar", bytes.NewReader(make([]byte, MaxImagePayloadBytes+1)))
	req.Header.Set("Content-Type", "image/jpeg")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if queries.matchCalls != 0 {
		t.Error("oversized query must not reach the face service")
	}
}

func TestAssetServer(t *testing.T) {
	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "faces", "thumbnail"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "faces", "thumbnail", "x.png"), []byte("png"), 0644); err != nil {
		t.Fatal(err)
	}
	router := newTestRouter(&FaceHandler{Faces: &stubQueries{}, Uploads: &stubUploads{}, Assets: AssetServer(base)})

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/api/faces/assets/faces/thumbnail/x.png", http.StatusOK},
		{"/api/faces/assets/faces/thumbnail/missing.png", http.StatusNotFound},
		{"/api/faces/assets/faces/thumbnail", http.StatusNotFound},
		{"/api/faces/assets/faces/%2e%2e/%2e%2e/etc/passwd", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.wantStatus {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.wantStatus, rec.Code)
		}
	}
}
