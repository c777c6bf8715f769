package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"ledgerbot/internal/core"
)

// UserHeader names the caller on every request. Authentication happens
// upstream of this service.
const UserHeader = "X-User-ID"

var (
	errMissingUser  = errors.New("X-User-ID header or user parameter is required")
	errInvalidLimit = errors.New("limit must be a positive integer")
)

// userID returns the caller id from the header or the user query parameter.
func userID(r *http.Request) (string, error) {
	id := sanitizeInput(r.Header.Get(UserHeader))
	if id == "" {
		id = sanitizeInput(r.URL.Query().Get("user"))
	}
	if id == "" {
		return "", core.NewValidationError("user", errMissingUser)
	}
	return id, nil
}

// pathID parses the {id} URL parameter.
func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, core.NewValidationError("id", core.ErrInvalidID)
	}
	return id, nil
}

// sanitizeInput removes control characters and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}
