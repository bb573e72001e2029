package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/hbomb79/Mixtape/internal/api/downloads"
	"github.com/hbomb79/Mixtape/internal/api/medias"
	"github.com/hbomb79/Mixtape/internal/api/pipelines"
	"github.com/hbomb79/Mixtape/internal/api/search"
	"github.com/hbomb79/Mixtape/internal/download"
	"github.com/hbomb79/Mixtape/internal/http/websocket"
	"github.com/hbomb79/Mixtape/pkg/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = logger.Get("API")

const basePath = "/api/mixtape/v1"

type (
	RestConfig struct {
		HostAddr      string   `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8080"`
		CorsOrigins   []string `yaml:"cors_origins" env:"API_CORS_ORIGINS" env-separator:"," env-default:"*"`
		PublicBaseURL string   `yaml:"public_base_url" env:"API_PUBLIC_BASE_URL"`
	}

	controller interface {
		SetRoutes(*echo.Group)
	}

	// PipelineService is the union of the pipeline operations the
	// gateway exposes over HTTP and the websocket
	PipelineService interface {
		pipelines.Service
		PipelineSpawner
	}

	Services struct {
		Pipelines PipelineService
		Events    EventSubscriber
		Deliverer downloads.Deliverer
		Resolver  medias.Resolver
		Envelopes medias.EnvelopeIssuer
		Searcher  search.Searcher
	}

	// The RestGateway is a thin-wrapper around the Echo HTTP router. It's sole responsbility
	// is to create the routes Mixtape exposes and to manage ongoing web socket connections.
	RestGateway struct {
		config             *RestConfig
		ec                 *echo.Echo
		socket             *websocket.SocketHub
		pipelineController controller
		downloadController controller
		mediaController    controller
		searchController   controller
	}
)

// NewRestGateway constructs the Echo router and populates it with all the
// routes defined by the various controllers.
func NewRestGateway(config *RestConfig, validate *validator.Validate, services Services) *RestGateway {
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Emit(logger.DEBUG, "Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true
	ec.HTTPErrorHandler = GetHTTPErrorHandler()

	gateway := &RestGateway{
		config: config,
		ec:     ec,
		socket: websocket.New(config.CorsOrigins),
	}

	gateway.pipelineController = pipelines.New(services.Pipelines, gateway.DownloadURL)
	gateway.downloadController = downloads.New(services.Deliverer)
	gateway.mediaController = medias.New(validate, services.Resolver, services.Envelopes)
	gateway.searchController = search.New(services.Searcher)

	activity := &activity{spawner: services.Pipelines, events: services.Events, downloadURL: gateway.DownloadURL}
	activity.bind(gateway.socket)

	ec.Use(middleware.Logger())
	ec.Use(middleware.Recover())
	ec.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  config.CorsOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		ExposeHeaders: []string{echo.HeaderContentDisposition},
	}))
	ec.Pre(middleware.AddTrailingSlash())

	ec.GET(basePath+"/activity/ws/", func(ec echo.Context) error {
		gateway.socket.UpgradeToSocket(ec.Response(), ec.Request())
		return nil
	})
	ec.GET(basePath+"/metrics/", echo.WrapHandler(promhttp.Handler()))

	gateway.pipelineController.SetRoutes(ec.Group(basePath + "/pipelines"))
	gateway.downloadController.SetRoutes(ec.Group(basePath + "/download"))
	gateway.mediaController.SetRoutes(ec.Group(basePath + "/media"))
	gateway.searchController.SetRoutes(ec.Group(basePath + "/search"))

	return gateway
}

func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	// Start echo router
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Emit(logger.INFO, "Listening on %s\n", gateway.config.HostAddr)
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ctxCancel(err)
		}
	}()

	// Start thread to listen for context cancellation
	go func(ec *echo.Echo) {
		<-ctx.Done()
		ec.Close()
	}(gateway.ec)

	// Start websocket
	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.socket.Start(ctx)
	}()

	wg.Wait()

	// Return cancellation cause if any, otherwise nil as parent context
	// cancellation is not an error case we should report.
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}

// DownloadURL returns the URL at which the token can be redeemed. The URL is
// relative unless a public base URL is configured.
func (gateway *RestGateway) DownloadURL(token string, format download.Format) string {
	base := strings.TrimSuffix(gateway.config.PublicBaseURL, "/")
	return base + basePath + "/download/" + url.PathEscape(token) + "?format=" + url.QueryEscape(string(format))
}
