// Package api serves the multisig engine over HTTP. Errors are RFC 7807
// problem details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mfactory-lab/multisig/pkg/multisig"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	// Kind and Code carry the engine error classification.
	Kind string `json:"kind,omitempty"`
	Code string `json:"code,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

const problemBase = "https://multisig.schemas.local/errors/"

func writeProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = fmt.Sprintf("%s%d", problemBase, p.Status)
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	p.TraceID = w.Header().Get(RequestIDHeader)

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError maps an engine error to its HTTP status and writes it.
// Unclassified errors are logged and reported without detail.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := multisig.KindOf(err)
	status := StatusOf(kind)
	if status == http.StatusInternalServerError {
		WriteInternal(w, r, err)
		return
	}
	writeProblem(w, r, &ProblemDetail{
		Type:   problemBase + multisig.CodeOf(err),
		Title:  http.StatusText(status),
		Status: status,
		Detail: err.Error(),
		Kind:   kind.String(),
		Code:   multisig.CodeOf(err),
	})
}

// StatusOf is the HTTP status reported for an error kind.
func StatusOf(k multisig.Kind) int {
	switch k {
	case multisig.KindValidation:
		return http.StatusBadRequest
	case multisig.KindAuthorization:
		return http.StatusForbidden
	case multisig.KindStaleness, multisig.KindConflict:
		return http.StatusConflict
	case multisig.KindExternalFailure:
		return http.StatusUnprocessableEntity
	case multisig.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// WriteBadRequest writes a 400 response for malformed requests.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, &ProblemDetail{Title: "Bad Request", Status: http.StatusBadRequest, Detail: detail})
}

// WriteUnauthorized writes a 401 response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="multisig"`)
	writeProblem(w, r, &ProblemDetail{Title: "Unauthorized", Status: http.StatusUnauthorized, Detail: detail})
}

// WriteNotFound writes a 404 response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, &ProblemDetail{Title: "Not Found", Status: http.StatusNotFound, Detail: detail})
}

// WriteTooManyRequests writes a 429 response with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	writeProblem(w, r, &ProblemDetail{
		Title:  "Too Many Requests",
		Status: http.StatusTooManyRequests,
		Detail: "Rate limit exceeded. Retry after the specified interval.",
	})
}

// WriteInternal writes a 500 response. err is logged, never sent.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	slog.ErrorContext(ctx, "internal server error", "error", err, "path", r.URL.Path)
	writeProblem(w, r, &ProblemDetail{
		Title:  "Internal Server Error",
		Status: http.StatusInternalServerError,
		Detail: "An unexpected error occurred. Please try again later.",
		Code:   "internal",
	})
}

// AsProblem extracts a ProblemDetail from err.
func AsProblem(err error) (*ProblemDetail, bool) {
	var p *ProblemDetail
	ok := errors.As(err, &p)
	return p, ok
}
