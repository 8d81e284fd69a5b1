package pds

import (
	"net/http"
	"strconv"
)

// parseIntParam parses an integer query parameter, returning def if the
// parameter is absent.
func parseIntParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	return int(n), err
}

// nextCursorOrNil converts an empty-string cursor (meaning "no more pages")
// into a nil pointer, matching the lexicon convention of an omitted field.
func nextCursorOrNil(cursor string) *string {
	if cursor == "" {
		return nil
	}
	return &cursor
}
