package faceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const subscriptionKeyHeader = "Ocp-Apim-Subscription-Key"

// AzureClient talks to the Cognitive Services Face API (v1.0) using face
// lists as the known-faces group.
type AzureClient struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
}

// NewAzureClient creates a client for the given endpoint host, e.g.
// https://westeurope.api.cognitive.microsoft.com
func NewAzureClient(endpoint, apiKey string, timeout time.Duration) (*AzureClient, error) {
	parsed, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid face API endpoint '%s': %w", endpoint, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid face API endpoint '%s': scheme and host are required", endpoint)
	}
	return &AzureClient{
		baseURL:    parsed.JoinPath("face", "v1.0"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// resolveURL builds a full URL from the API base and the given path segments.
// A query string on the last segment is split off before joining.
func (c *AzureClient) resolveURL(pathSegments ...string) string {
	if len(pathSegments) == 0 {
		return c.baseURL.String()
	}
	last := pathSegments[len(pathSegments)-1]
	if pathPart, query, ok := strings.Cut(last, "?"); ok {
		pathSegments[len(pathSegments)-1] = pathPart
		result := c.baseURL.JoinPath(pathSegments...)
		result.RawQuery = query
		return result.String()
	}
	return c.baseURL.JoinPath(pathSegments...).String()
}

// readErrorBody reads the response body for error messages.
func readErrorBody(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return "(could not read error body)"
	}
	return strings.TrimSpace(string(body))
}

// do sends a request and returns the response. Only transport failures are
// reported here; status handling is left to the caller.
func (c *AzureClient) do(ctx context.Context, op, method, endpoint, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, &ServiceError{Op: op, Err: fmt.Errorf("could not create request: %w", err)}
	}
	req.Header.Set(subscriptionKeyHeader, c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ServiceError{Op: op, Err: fmt.Errorf("could not send request: %w", err)}
	}
	return resp, nil
}

// doJSON performs a request and decodes a 200 response into T.
func doJSON[T any](ctx context.Context, c *AzureClient, op, method, endpoint, contentType string, body io.Reader) (T, error) {
	var result T
	resp, err := c.do(ctx, op, method, endpoint, contentType, body)
	if err != nil {
		return result, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return result, &ServiceError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(readErrorBody(resp.Body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return result, &ServiceError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("could not decode response: %w", err)}
	}
	return result, nil
}

func jsonBody(v any) (io.Reader, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// EnsureGroupExists checks the face list and creates it on 404. A conflict
// on create means a concurrent caller won the race and is not an error.
func (c *AzureClient) EnsureGroupExists(ctx context.Context, group string) error {
	const op = "ensure group"
	endpoint := c.resolveURL("facelists", group)

	resp, err := c.do(ctx, op, http.MethodGet, endpoint, "", nil)
	if err != nil {
		return err
	}
	status := resp.StatusCode
	detail := readErrorBody(resp.Body)
	resp.Body.Close()

	switch {
	case status == http.StatusOK:
		return nil
	case status != http.StatusNotFound:
		return &ServiceError{Op: op, StatusCode: status, Err: errors.New(detail)}
	}

	body, err := jsonBody(map[string]string{"name": group})
	if err != nil {
		return &ServiceError{Op: op, Err: err}
	}
	resp, err = c.do(ctx, op, http.MethodPut, endpoint, "application/json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		log.Printf("faceapi: Created face list %s", group)
		return nil
	case http.StatusConflict:
		log.Printf("faceapi: Face list %s already created by a concurrent caller", group)
		return nil
	default:
		return &ServiceError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(readErrorBody(resp.Body))}
	}
}

func (c *AzureClient) DetectFaces(ctx context.Context, image []byte) ([]DetectedFace, error) {
	endpoint := c.resolveURL("detect?returnFaceId=true&returnFaceLandmarks=false")
	faces, err := doJSON[[]DetectedFace](ctx, c, "detect", http.MethodPost, endpoint, "application/octet-stream", bytes.NewReader(image))
	if err != nil {
		return nil, err
	}
	if faces == nil {
		faces = []DetectedFace{}
	}
	return faces, nil
}

func (c *AzureClient) FindSimilar(ctx context.Context, localID string, group string) ([]SimilarityMatch, error) {
	body, err := jsonBody(map[string]string{
		"faceId":     localID,
		"faceListId": group,
	})
	if err != nil {
		return nil, &ServiceError{Op: "find similar", Err: err}
	}
	matches, err := doJSON[[]SimilarityMatch](ctx, c, "find similar", http.MethodPost, c.resolveURL("findsimilars"), "application/json", body)
	if err != nil {
		return nil, err
	}
	if matches == nil {
		matches = []SimilarityMatch{}
	}
	return matches, nil
}

func (c *AzureClient) RegisterFace(ctx context.Context, image []byte, group string, rect Rectangle) (string, error) {
	const op = "register face"
	endpoint := c.resolveURL("facelists", group, "persistedFaces?targetFace="+rect.TargetFace())
	persisted, err := doJSON[SimilarityMatch](ctx, c, op, http.MethodPost, endpoint, "application/octet-stream", bytes.NewReader(image))
	if err != nil {
		return "", err
	}
	if persisted.PersonID == "" {
		return "", &ServiceError{Op: op, StatusCode: http.StatusOK, Err: errors.New("response did not contain a persistedFaceId")}
	}
	return persisted.PersonID, nil
}
