package httpx

import (
	"errors"
	"net/http"
)

// ErrorStatus maps a sentinel error onto an RFC7807 status and title.
type ErrorStatus struct {
	Target error
	Status int
	Title  string
}

// RespondError writes the problem of the first mapping matching err via
// errors.Is. Unmatched errors become an opaque 500.
func RespondError(w http.ResponseWriter, err error, mappings ...ErrorStatus) {
	for _, m := range mappings {
		if errors.Is(err, m.Target) {
			Problem(w, m.Status, m.Title, err.Error())
			return
		}
	}
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
