package main

import (
	"net/http"

	"github.com/example/objectstore/internal/apperr"
	log "github.com/sirupsen/logrus"
)

// APIError represents a structured API error response
type APIError struct {
	Code       string   `json:"error_code"`
	Message    string   `json:"error_message"`
	Details    []string `json:"details,omitempty"`
	LimitClass string   `json:"limit_class,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{Code: code, Message: message})
}

// writeAppError renders err by its kind. Internal errors are logged in
// full and reported with a generic message.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		log.WithError(err).WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
	}
	ae := apperr.As(err)
	writeJSON(w, ae.Status(), APIError{Code: ae.Code, Message: ae.Message, Details: ae.Details})
}
