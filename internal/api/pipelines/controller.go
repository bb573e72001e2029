package pipelines

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hbomb79/Mixtape/internal/download"
	"github.com/hbomb79/Mixtape/internal/pipeline"
	"github.com/labstack/echo/v4"
)

type (
	CreateRequest struct {
		ID       string `json:"id"`
		Format   string `json:"format"`
		Envelope string `json:"envelope"`
	}

	// Dto is the completion of a pipeline, as returned to the client.
	Dto struct {
		Pipeline    string          `json:"pipeline"`
		Token       string          `json:"token"`
		Title       string          `json:"title"`
		DownloadURL string          `json:"download_url"`
		ExpiresAt   time.Time       `json:"expires_at"`
		Format      download.Format `json:"format"`
	}

	Service interface {
		Execute(context.Context, pipeline.Request) (*pipeline.Result, error)
	}

	// URLBuilder returns the URL at which a download token can be redeemed.
	URLBuilder func(token string, format download.Format) string

	Controller struct {
		service     Service
		downloadURL URLBuilder
	}
)

func New(service Service, downloadURL URLBuilder) *Controller {
	return &Controller{service: service, downloadURL: downloadURL}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.POST("/", controller.create)
}

// create runs a pipeline to completion. The pipeline is bound to the request
// context, so a client which disconnects abandons (and cleans up) its pipeline.
func (controller *Controller) create(ec echo.Context) error {
	var body CreateRequest
	if err := ec.Bind(&body); err != nil {
		return fmt.Errorf("%w: malformed body: %w", pipeline.ErrInvalidInput, err)
	}

	request, err := NewRequest(body.ID, body.Format, body.Envelope)
	if err != nil {
		return err
	}

	result, err := controller.service.Execute(ec.Request().Context(), request)
	if err != nil {
		return err
	}

	return ec.JSON(http.StatusOK, NewDto(result, controller.downloadURL))
}

// NewRequest builds a pipeline request from the loosely typed values supplied
// by a client.
func NewRequest(id string, format string, envelope string) (pipeline.Request, error) {
	parsed, err := download.ParseFormat(format)
	if err != nil {
		return pipeline.Request{}, fmt.Errorf("%w: %w", pipeline.ErrInvalidInput, err)
	}

	return pipeline.Request{SourceID: id, Format: parsed, Envelope: envelope}, nil
}

func NewDto(result *pipeline.Result, downloadURL URLBuilder) Dto {
	return Dto{
		Pipeline:    result.Pipeline.String(),
		Token:       result.Token,
		Title:       result.Title,
		DownloadURL: downloadURL(result.Token, result.Format),
		ExpiresAt:   result.ExpiresAt,
		Format:      result.Format,
	}
}
