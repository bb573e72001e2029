package downloads

import (
	"net/http"
	"strconv"

	"github.com/hbomb79/Mixtape/internal/download"
	"github.com/hbomb79/Mixtape/pkg/logger"
	"github.com/labstack/echo/v4"
)

var controllerLogger = logger.Get("DownloadsController")

type (
	Deliverer interface {
		Open(token string, requestedFormat string) (*download.Delivery, error)
	}

	Controller struct {
		deliverer Deliverer
	}
)

func New(deliverer Deliverer) *Controller {
	return &Controller{deliverer: deliverer}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/:token/", controller.get)
}

// get redeems the token and streams the artifact to the client. The artifact
// is deleted once the transfer ends, whether or not it succeeded.
func (controller *Controller) get(ec echo.Context) error {
	delivery, err := controller.deliverer.Open(ec.Param("token"), ec.QueryParam("format"))
	if err != nil {
		return err
	}
	defer delivery.Close()

	header := ec.Response().Header()
	header.Set(echo.HeaderContentType, delivery.ContentType)
	header.Set(echo.HeaderContentDisposition, download.ContentDisposition(delivery.Filename))
	header.Set("Cache-Control", "no-store")
	if delivery.Size > 0 {
		header.Set(echo.HeaderContentLength, strconv.FormatInt(delivery.Size, 10))
	}
	ec.Response().WriteHeader(http.StatusOK)

	if _, err := delivery.WriteTo(ec.Response()); err != nil {
		// Headers are already on the wire; all that is left is to log
		controllerLogger.Errorf("Transfer of %q aborted: %v\n", delivery.Filename, err)
	}

	return nil
}
