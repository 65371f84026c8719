package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/raphaelgruber/graphkeeper/internal/backup"
	"github.com/raphaelgruber/graphkeeper/internal/jobs"
	"github.com/raphaelgruber/graphkeeper/internal/restore"
)

var (
	// ErrUnauthorized is returned for missing or wrong restore credentials.
	ErrUnauthorized = errors.New("invalid credentials")
	// ErrBadRequest marks malformed input that is not a validator error.
	ErrBadRequest = errors.New("bad request")
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Error codes returned in ErrorResponse.Code.
const (
	CodeNotFound          = "not_found"
	CodeScopeBusy         = "scope_busy"
	CodeOntologyExists    = "ontology_exists"
	CodeGraphNotEmpty     = "graph_not_empty"
	CodeForeignEntities   = "foreign_entities"
	CodeInvalidTransition = "invalid_transition"
	CodeUnauthorized      = "unauthorized"
	CodeValidation        = "validation"
	CodeTooLarge          = "too_large"
	CodeInternal          = "internal"
)

// classify maps a domain error to an HTTP status and error code.
func classify(err error) (int, string) {
	var (
		verrs    validator.ValidationErrors
		tooLarge *http.MaxBytesError
	)
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, CodeTooLarge
	case errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, backup.ErrBackupNotFound),
		errors.Is(err, backup.ErrOntologyNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, jobs.ErrScopeBusy):
		return http.StatusConflict, CodeScopeBusy
	case errors.Is(err, restore.ErrOntologyExists):
		return http.StatusConflict, CodeOntologyExists
	case errors.Is(err, restore.ErrGraphNotEmpty):
		return http.StatusConflict, CodeGraphNotEmpty
	case errors.Is(err, restore.ErrForeignEntities):
		return http.StatusConflict, CodeForeignEntities
	case errors.Is(err, jobs.ErrInvalidTransition):
		return http.StatusConflict, CodeInvalidTransition
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, CodeUnauthorized
	case errors.As(err, &verrs),
		errors.Is(err, ErrBadRequest),
		errors.Is(err, jobs.ErrUnknownKind),
		errors.Is(err, backup.ErrFormatNotRestorable),
		errors.Is(err, backup.ErrArtifactInvalid):
		return http.StatusBadRequest, CodeValidation
	}
	return http.StatusInternalServerError, CodeInternal
}

// fail writes the error response for err and records it for the request log.
func fail(c *gin.Context, err error) {
	status, code := classify(err)
	_ = c.Error(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg, Code: code})
}
