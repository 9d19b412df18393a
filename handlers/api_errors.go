package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
)

// error codes used in APIErrorDetail.Code
const (
	CodeInvalidPayload  = "invalid_payload"
	CodePayloadTooLarge = "payload_too_large"
	CodeMissingImage    = "missing_image"
	CodeMultipleImages  = "multiple_images"
	CodeUndecodable     = "undecodable_image"
	CodeInternal        = "internal_error"
)

// APIErrorDetail represents a single error in the standardized error response.
type APIErrorDetail struct {
	Code   string `json:"code"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// APIErrorResponse represents the standardized error response body.
type APIErrorResponse struct {
	Errors []APIErrorDetail `json:"errors"`
}

// ValidationError is a client mistake in an image payload. Nothing has been
// stored or sent to the face service when it is returned.
type ValidationError struct {
	Status int
	Code   string
	Detail string
}

func (e *ValidationError) Error() string {
	return e.Detail
}

// WriteAPIError writes a standardized error response with the given HTTP status, code, and detail.
func WriteAPIError(w http.ResponseWriter, httpStatus int, code string, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)

	resp := APIErrorResponse{
		Errors: []APIErrorDetail{
			{
				Code:   code,
				Status: strconv.Itoa(httpStatus),
				Detail: detail,
			},
		},
	}

	_ = json.NewEncoder(w).Encode(resp)
}

func writeValidationError(w http.ResponseWriter, err *ValidationError) {
	WriteAPIError(w, err.Status, err.Code, err.Detail)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("Error encoding JSON response: %v", err)
		}
	}
}
