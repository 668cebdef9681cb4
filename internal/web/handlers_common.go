package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// maxJSONBody bounds mapping and attach request bodies.
const maxJSONBody = 1 << 20

// parseIntParam reads an integer query parameter, falling back to def when
// it is missing, malformed or below floor.
func parseIntParam(r *http.Request, name string, def, floor int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < floor {
		return def
	}
	return i
}

// parseBoolParam returns nil when the parameter is absent.
func parseBoolParam(r *http.Request, name string) (*bool, error) {
	val := r.URL.Query().Get(name)
	if val == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return nil, fmt.Errorf("%s must be true or false", name)
	}
	return &b, nil
}

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

// decodeJSON reads a single JSON object from the request body.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
