package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/hbomb79/Mixtape/internal/download"
	"github.com/hbomb79/Mixtape/internal/pipeline"
	"github.com/hbomb79/Mixtape/internal/source"
	"github.com/labstack/echo/v4"
)

type APIError struct {
	// Human readable error display message
	Message string `json:"error"`

	// Used to alter the HTTP response status in accordance with the error
	Status int `json:"-"`

	// Additional message for internal logging only. Will not be included in the message
	// sent to the user.
	InternalMessage string `json:"-"`
}

// Error satisifies the Go error interface and simply exposes the
// message contained by this APIError.
func (err APIError) Error() string {
	return fmt.Sprintf("api error: %s", err.Message)
}

var (
	clientErrors = []error{
		pipeline.ErrInvalidInput,
		download.ErrUnknownFormat,
		download.ErrFormatMismatch,
		source.ErrEmptyKeyword,
	}

	// Server side failures are reported using only the message of the
	// sentinel, so internal detail (paths, stderr) is not leaked.
	serverErrors = []error{
		pipeline.ErrResolution,
		pipeline.ErrAcquisition,
		pipeline.ErrTranscode,
		pipeline.ErrShuttingDown,
		download.ErrDelivery,
	}
)

// NewAPIError classifies err in to the status and message returned to a
// client.
func NewAPIError(err error) APIError {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, pipeline.ErrUntrustedRequest), errors.Is(err, download.ErrInvalidToken):
		return APIError{Status: http.StatusUnauthorized, Message: rootMessage(err, pipeline.ErrUntrustedRequest, download.ErrInvalidToken)}
	case errors.Is(err, download.ErrArtifactGone):
		return APIError{Status: http.StatusNotFound, Message: download.ErrArtifactGone.Error()}
	}

	for _, sentinel := range clientErrors {
		if errors.Is(err, sentinel) {
			return APIError{Status: http.StatusBadRequest, Message: err.Error()}
		}
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return APIError{Status: httpErr.Code, Message: fmt.Sprint(httpErr.Message)}
	}

	return APIError{
		Status:          http.StatusInternalServerError,
		Message:         rootMessage(err, serverErrors...),
		InternalMessage: err.Error(),
	}
}

func rootMessage(err error, sentinels ...error) string {
	for _, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}

	return http.StatusText(http.StatusInternalServerError)
}

// GetHTTPErrorHandler returns an echo HTTP error handler which renders every
// error as an APIError. Responses which have already been committed (e.g. a
// download which failed part way through) are left untouched.
func GetHTTPErrorHandler() echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		if ctx.Response().Committed {
			log.Warnf("%s request to %s failed after response was committed: %v\n", ctx.Request().Method, ctx.Request().RequestURI, err)
			return
		}

		apiErr := NewAPIError(err)
		if apiErr.Status == 0 {
			apiErr.Status = http.StatusInternalServerError
		}
		if len(apiErr.Message) == 0 {
			apiErr.Message = http.StatusText(apiErr.Status)
		}
		if len(apiErr.InternalMessage) > 0 {
			log.Errorf("Request failure, internal error: %s\n", apiErr.InternalMessage)
		}

		if err := ctx.JSON(apiErr.Status, apiErr); err != nil {
			log.Errorf("Failed to write error response: %v\n", err)
		}
	}
}
