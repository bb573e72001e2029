package pipeline

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hbomb79/Mixtape/internal/download"
)

var (
	ErrInvalidInput     = errors.New("invalid pipeline request")
	ErrUntrustedRequest = errors.New("request envelope is missing or invalid")
	ErrResolution       = errors.New("failed to resolve source")
	ErrAcquisition      = errors.New("failed to acquire streams")
	ErrTranscode        = errors.New("failed to mux streams")
	ErrShuttingDown     = errors.New("pipeline service is shutting down")

	sourceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

type (
	// Request asks for the streams of a single source. ID correlates the
	// progress events of the pipeline; one is generated if not provided.
	Request struct {
		ID       uuid.UUID
		SourceID string          `validate:"required,source_id"`
		Format   download.Format `validate:"required,oneof=audio video"`
		Envelope string
	}

	// Result is the outcome of a successful pipeline.
	Result struct {
		Pipeline  uuid.UUID       `json:"pipeline"`
		Token     string          `json:"token"`
		Title     string          `json:"title"`
		Format    download.Format `json:"format"`
		ExpiresAt time.Time       `json:"expires_at"`
	}
)

// RegisterValidations adds the validations used by pipeline requests.
func RegisterValidations(validate *validator.Validate) error {
	return validate.RegisterValidation("source_id", func(fl validator.FieldLevel) bool {
		return sourceIDPattern.MatchString(fl.Field().String())
	})
}

// NewValidator returns a validator with the pipeline validations registered.
func NewValidator() *validator.Validate {
	validate := validator.New()
	if err := RegisterValidations(validate); err != nil {
		panic(fmt.Sprintf("failed to register pipeline validations: %v", err))
	}

	return validate
}
