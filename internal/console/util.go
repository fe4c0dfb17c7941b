package console

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
)

// Adapted from: github.com/go-chi/render

// ctxKeyStatus is a context key to record a future HTTP response status code.
var ctxKeyStatus = &struct{}{}

// withStatus sets a HTTP response status code hint into request context at
// any point during the request life-cycle.
func withStatus(r *http.Request, status int) {
	*r = *r.WithContext(context.WithValue(r.Context(), ctxKeyStatus, status))
}

// renderJSON marshals 'v' to JSON, automatically escaping HTML and setting the
// Content-Type as application/json.
func renderJSON(w http.ResponseWriter, r *http.Request, document any) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(document); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if status, ok := r.Context().Value(ctxKeyStatus).(int); ok {
		w.WriteHeader(status)
	}
	w.Write(buf.Bytes()) //nolint:errcheck
}

type errorResponse struct {
	Error string `json:"error"`
}

func renderError(w http.ResponseWriter, r *http.Request, status int, err error) {
	withStatus(r, status)
	renderJSON(w, r, errorResponse{Error: err.Error()})
}

// decodeJSON reads a body of at most 64 KiB.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
