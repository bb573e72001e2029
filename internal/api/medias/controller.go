package medias

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/hbomb79/Mixtape/internal/pipeline"
	"github.com/hbomb79/Mixtape/internal/source"
	"github.com/labstack/echo/v4"
)

type (
	// Dto describes a source and the elementary formats it offers. When
	// envelopes are enabled, Envelope must be supplied with any pipeline
	// request for this source.
	Dto struct {
		ID        string          `json:"id"`
		Title     string          `json:"title"`
		Thumbnail string          `json:"thumbnail"`
		Duration  string          `json:"duration"`
		Formats   []source.Format `json:"formats"`
		Envelope  string          `json:"envelope,omitempty"`
	}

	Resolver interface {
		Resolve(ctx context.Context, id string) (*source.Media, error)
	}

	EnvelopeIssuer interface {
		IssueEnvelope(sourceID string) (string, error)
	}

	Controller struct {
		validate *validator.Validate
		resolver Resolver
		issuer   EnvelopeIssuer
	}
)

func New(validate *validator.Validate, resolver Resolver, issuer EnvelopeIssuer) *Controller {
	return &Controller{validate: validate, resolver: resolver, issuer: issuer}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/:id/", controller.get)
}

func (controller *Controller) get(ec echo.Context) error {
	id := ec.Param("id")
	if err := controller.validate.Var(id, "required,source_id"); err != nil {
		return fmt.Errorf("%w: %q is not a valid source identifier", pipeline.ErrInvalidInput, id)
	}

	media, err := controller.resolver.Resolve(ec.Request().Context(), id)
	if err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrResolution, err)
	}

	envelope, err := controller.issuer.IssueEnvelope(id)
	if err != nil {
		return err
	}

	return ec.JSON(http.StatusOK, NewDto(media, envelope))
}

func NewDto(media *source.Media, envelope string) Dto {
	thumbnail := media.Thumbnail
	if thumbnail == "" {
		thumbnail = source.Thumbnail(media.ID)
	}

	formats := media.Formats
	if formats == nil {
		formats = []source.Format{}
	}

	return Dto{
		ID:        media.ID,
		Title:     media.Title,
		Thumbnail: thumbnail,
		Duration:  source.FormatDuration(media.Duration),
		Formats:   formats,
		Envelope:  envelope,
	}
}
