package internal

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/hbomb79/Mixtape/internal/api"
	"github.com/hbomb79/Mixtape/internal/download"
	"github.com/hbomb79/Mixtape/internal/event"
	"github.com/hbomb79/Mixtape/internal/ffmpeg"
	"github.com/hbomb79/Mixtape/internal/pipeline"
	"github.com/hbomb79/Mixtape/internal/scratch"
	"github.com/hbomb79/Mixtape/internal/source"
	"github.com/hbomb79/Mixtape/pkg/logger"
)

var log = logger.Get("Core")

type (
	RunnableService interface {
		Run(context.Context) error
	}
)

// Mixtape represents the top-level object for the server, and is responsible
// for constructing and running each of the services.
type mixtapeImpl struct {
	config          MixtapeConfig
	scratch         *scratch.Manager
	pipelineService *pipeline.Service
	restGateway     *api.RestGateway
}

func New(config MixtapeConfig) (*mixtapeImpl, error) {
	log.Emit(logger.DEBUG, "Bootstrapping Mixtape services using config: %#v\n", redact(config))

	validate := pipeline.NewValidator()
	if err := config.Validate(validate); err != nil {
		return nil, err
	}

	files, err := scratch.New(config.Scratch)
	if err != nil {
		return nil, fmt.Errorf("failed to construct scratch manager: %w", err)
	}

	issuer, err := download.NewIssuer(config.Download)
	if err != nil {
		return nil, fmt.Errorf("failed to construct download issuer: %w", err)
	}

	log.Emit(logger.INFO, "Download tokens are valid for %s\n", issuer.Lifespan())

	resolver := source.New(config.Source)
	events := event.New()
	pipelineService := pipeline.New(
		config.Pipeline,
		resolver,
		&source.HTTPOpener{Client: http.DefaultClient},
		files,
		ffmpeg.NewInvoker(config.Ffmpeg),
		issuer,
		events,
	)

	restGateway := api.NewRestGateway(&config.RestConfig, validate, api.Services{
		Pipelines: pipelineService,
		Events:    events,
		Deliverer: download.NewDeliverer(issuer, files),
		Resolver:  resolver,
		Envelopes: issuer,
		Searcher:  resolver,
	})

	return &mixtapeImpl{
		config:          config,
		scratch:         files,
		pipelineService: pipelineService,
		restGateway:     restGateway,
	}, nil
}

// Run will start all of Mixtape's services. This function will not return
// until Mixtape is stopped. To stop Mixtape, the provided context must be
// cancelled. Errors from which a service cannot recover will also cause
// Mixtape to stop.
func (mixtape *mixtapeImpl) Run(parent context.Context) error {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel(fmt.Errorf("%s crashed: %w", label, err))
	}

	wg := &sync.WaitGroup{}
	mixtape.spawnAsyncService(ctx, wg, mixtape.scratch, "scratch-janitor", crashHandler)
	mixtape.spawnAsyncService(ctx, wg, mixtape.pipelineService, "pipeline-service", crashHandler)
	mixtape.spawnAsyncService(ctx, wg, mixtape.restGateway, "rest-gateway", crashHandler)
	log.Emit(logger.SUCCESS, "Mixtape services spawned!\n")

	wg.Wait()
	if cause := context.Cause(ctx); cause != nil && cause != parent.Err() && cause != context.Canceled {
		return cause
	}

	return nil
}

// spawnAsyncService will run the provided function/service as it's own
// go-routine, ensuring that the Mixtape service waitgroup is updated correctly
func (mixtape *mixtapeImpl) spawnAsyncService(ctx context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		if err := service.Run(ctx); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}

func redact(config MixtapeConfig) MixtapeConfig {
	if config.Download.Secret != "" {
		config.Download.Secret = "<redacted>"
	}

	return config
}
