// Package pipeline turns a request for a source's streams in to a download
// handle: it resolves the source, acquires the streams concurrently, muxes
// them when video was requested, and issues a token for the artifact.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/hbomb79/Mixtape/internal/acquisition"
	"github.com/hbomb79/Mixtape/internal/download"
	"github.com/hbomb79/Mixtape/internal/event"
	"github.com/hbomb79/Mixtape/internal/ffmpeg"
	"github.com/hbomb79/Mixtape/internal/metrics"
	"github.com/hbomb79/Mixtape/internal/source"
	"github.com/hbomb79/Mixtape/pkg/logger"
	msync "github.com/hbomb79/Mixtape/pkg/sync"
)

var log = logger.Get("Pipeline")

type (
	Config struct {
		ExpiryGrace time.Duration `yaml:"expiry_grace" env:"PIPELINE_EXPIRY_GRACE" env-default:"30s"`
	}

	Resolver interface {
		Resolve(ctx context.Context, id string) (*source.Media, error)
	}

	Files interface {
		Allocate(owner string, ext string) (string, error)
		Release(path string)
		Create(path string) (*renameio.PendingFile, error)
	}

	Muxer interface {
		Start(ctx context.Context, job *ffmpeg.MuxJob, onProgress func(int)) error
	}

	Issuer interface {
		Issue(artifactPath string, title string, format download.Format) (string, download.Handle, error)
		VerifyEnvelope(token string) (string, error)
		RequiresEnvelope() bool
	}

	// Service runs independent pipeline instances, one per request.
	Service struct {
		config      Config
		resolver    Resolver
		coordinator *acquisition.Coordinator
		files       Files
		muxer       Muxer
		issuer      Issuer
		events      event.Dispatcher
		validate    *validator.Validate

		baseCtx    context.Context
		baseCancel context.CancelFunc
		inflight   sync.WaitGroup
		expiries   msync.TypedSyncMap[string, *time.Timer]
	}
)

func New(
	config Config,
	resolver Resolver,
	opener acquisition.Opener,
	files Files,
	muxer Muxer,
	issuer Issuer,
	events event.Dispatcher,
) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		config:      config,
		resolver:    resolver,
		coordinator: acquisition.New(opener, files),
		files:       files,
		muxer:       muxer,
		issuer:      issuer,
		events:      events,
		validate:    NewValidator(),
		baseCtx:     ctx,
		baseCancel:  cancel,
	}
}

// Run blocks until ctx is cancelled. Once cancelled, in-flight pipelines are
// cancelled and awaited, and every artifact still awaiting redemption is
// released.
func (service *Service) Run(ctx context.Context) error {
	<-ctx.Done()
	log.Emit(logger.STOP, "Shutting down pipeline service, cancelling in-flight pipelines\n")

	service.baseCancel()
	service.inflight.Wait()

	service.expiries.Range(func(path string, timer *time.Timer) bool {
		timer.Stop()
		service.expiries.Delete(path)
		service.files.Release(path)
		return true
	})

	return nil
}

// Spawn runs the pipeline in the background, dispatching PIPELINE_COMPLETE
// or PIPELINE_FAILURE once finished. Callers wishing to observe the pipeline
// should subscribe to the request ID before calling Spawn.
func (service *Service) Spawn(ctx context.Context, request Request) uuid.UUID {
	if request.ID == uuid.Nil {
		request.ID = uuid.New()
	}

	service.inflight.Add(1)
	go func() {
		defer service.inflight.Done()

		result, err := service.execute(ctx, request)
		if err != nil {
			service.dispatch(event.Message{Event: event.PIPELINE_FAILURE, Pipeline: request.ID, Payload: err})
			return
		}
		service.dispatch(event.Message{Event: event.PIPELINE_COMPLETE, Pipeline: request.ID, Payload: result})
	}()

	return request.ID
}

// Execute runs the pipeline to completion. On any failure, every file the
// pipeline allocated has been released by the time Execute returns.
func (service *Service) Execute(ctx context.Context, request Request) (*Result, error) {
	if request.ID == uuid.Nil {
		request.ID = uuid.New()
	}

	service.inflight.Add(1)
	defer service.inflight.Done()
	return service.execute(ctx, request)
}

func (service *Service) execute(parent context.Context, request Request) (result *Result, err error) {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	stop := context.AfterFunc(service.baseCtx, func() { cancel(ErrShuttingDown) })
	defer stop()

	metrics.PipelinesActive.Inc()
	started := time.Now()
	defer func() {
		metrics.PipelinesActive.Dec()
		metrics.ObservePipeline(string(request.Format), err)
		switch {
		case IsClientError(err):
			log.Warnf("Pipeline %s for %q rejected: %v\n", request.ID, request.SourceID, err)
		case err != nil:
			log.Errorf("Pipeline %s for %q failed after %s: %v\n", request.ID, request.SourceID, time.Since(started).Round(time.Millisecond), err)
		default:
			log.Emit(logger.SUCCESS, "Pipeline %s for %q completed in %s\n", request.ID, request.SourceID, time.Since(started).Round(time.Millisecond))
		}
	}()

	if err = service.validateRequest(request); err != nil {
		return nil, err
	}

	inst := &instance{id: request.ID, files: service.files, reporter: event.NewReporter(request.ID, service.events)}
	defer inst.cleanup()

	media, err := service.resolver.Resolve(ctx, request.SourceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResolution, err)
	}

	descriptors := []*source.StreamDescriptor{media.Audio}
	if request.Format == download.Video {
		descriptors = append(descriptors, media.Video)
	}
	for _, desc := range descriptors {
		if desc == nil {
			return nil, fmt.Errorf("%w: source offers no suitable %s stream", ErrResolution, request.Format)
		}
	}

	tasks, err := inst.allocateTasks(descriptors)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAcquisition, err)
	}

	if err := service.acquire(ctx, inst, tasks); err != nil {
		return nil, err
	}

	artifact := tasks[0].DestinationPath
	if request.Format == download.Video {
		if artifact, err = service.mux(ctx, inst, tasks[0], tasks[1], media.Duration); err != nil {
			return nil, err
		}
	}

	if err := context.Cause(ctx); err != nil {
		return nil, err
	}

	token, handle, err := service.issuer.Issue(artifact, media.Title, request.Format)
	if err != nil {
		return nil, err
	}

	inst.handOff(artifact)
	service.scheduleExpiry(artifact, handle.ExpiresAt)

	return &Result{
		Pipeline:  request.ID,
		Token:     token,
		Title:     media.Title,
		Format:    request.Format,
		ExpiresAt: handle.ExpiresAt,
	}, nil
}

func (service *Service) validateRequest(request Request) error {
	if err := service.validate.Struct(request); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	if service.issuer.RequiresEnvelope() || request.Envelope != "" {
		sourceID, err := service.issuer.VerifyEnvelope(request.Envelope)
		if err != nil || sourceID != request.SourceID {
			return ErrUntrustedRequest
		}
	}

	return nil
}

// acquire downloads every task concurrently. The barrier decides whether the
// pipeline proceeds; a failure cancels the remaining downloads.
func (service *Service) acquire(ctx context.Context, inst *instance, tasks []*acquisition.Task) error {
	acqCtx, cancelAcq := context.WithCancelCause(ctx)
	defer cancelAcq(nil)

	barrier := NewBarrier(len(tasks), func(cause error) { cancelAcq(cause) })
	acq := service.coordinator.Start(acqCtx, tasks, barrier, func(percent int) {
		inst.reporter.Report(event.Acquiring, percent)
	})

	state, cause := barrier.Wait(ctx)

	// Whatever the decision, no task may still be writing once we move on
	_ = acq.Wait()

	if state != AllSucceeded {
		return fmt.Errorf("%w: %w", ErrAcquisition, cause)
	}

	return nil
}

// mux combines the audio and video streams in to a new artifact. The inputs
// are released as soon as the muxer has finished with them.
func (service *Service) mux(ctx context.Context, inst *instance, audio, video *acquisition.Task, duration time.Duration) (string, error) {
	output, err := inst.allocate("mux", "mp4")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTranscode, err)
	}

	job := ffmpeg.NewMuxJob(audio.DestinationPath, video.DestinationPath, output, duration)
	if err := service.muxer.Start(ctx, job, func(percent int) { inst.reporter.Report(event.Muxing, percent) }); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTranscode, err)
	}

	// The muxer observes ctx itself; waiting on Done ensures the process has
	// exited before its files are released.
	<-job.Done()
	inst.release(audio.DestinationPath)
	inst.release(video.DestinationPath)

	if err := job.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTranscode, err)
	}

	return output, nil
}

// scheduleExpiry releases the artifact if it has not been redeemed shortly
// after its token expires.
func (service *Service) scheduleExpiry(artifact string, expiresAt time.Time) {
	delay := time.Until(expiresAt) + service.config.ExpiryGrace
	timer := time.AfterFunc(time.Hour, func() {
		service.expiries.Delete(artifact)
		service.files.Release(artifact)
	})

	// Stored before arming so that an already elapsed delay cannot fire first
	timer.Stop()
	service.expiries.Store(artifact, timer)
	timer.Reset(delay)
	log.Debugf("Artifact %s will be released in %s unless redeemed\n", filepath.Base(artifact), delay.Round(time.Second))
}

func (service *Service) dispatch(msg event.Message) {
	if service.events != nil {
		service.events.Dispatch(msg)
	}
}

// PendingArtifacts returns the number of artifacts awaiting redemption or expiry.
func (service *Service) PendingArtifacts() int {
	n := 0
	service.expiries.Range(func(string, *time.Timer) bool { n++; return true })
	return n
}

// instance tracks the files owned by a single pipeline run so that every one
// of them is released on every exit path, except the artifact handed off to
// the client.
type instance struct {
	id       uuid.UUID
	files    Files
	reporter *event.Reporter

	mu        sync.Mutex
	allocated []string
	keep      string
}

func (inst *instance) allocate(role string, ext string) (string, error) {
	path, err := inst.files.Allocate(fmt.Sprintf("%s-%s", inst.id.String()[:8], role), ext)
	if err != nil {
		return "", err
	}

	inst.mu.Lock()
	inst.allocated = append(inst.allocated, path)
	inst.mu.Unlock()
	return path, nil
}

func (inst *instance) allocateTasks(descriptors []*source.StreamDescriptor) ([]*acquisition.Task, error) {
	tasks := make([]*acquisition.Task, 0, len(descriptors))
	for _, desc := range descriptors {
		ext := desc.Container
		if ext == "" {
			ext = "bin"
		}

		path, err := inst.allocate(string(desc.Kind), ext)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, acquisition.NewTask(*desc, path))
	}

	return tasks, nil
}

func (inst *instance) release(path string) {
	inst.mu.Lock()
	for i, p := range inst.allocated {
		if p == path {
			inst.allocated = append(inst.allocated[:i], inst.allocated[i+1:]...)
			break
		}
	}
	inst.mu.Unlock()

	inst.files.Release(path)
}

func (inst *instance) handOff(path string) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.keep = path
}

func (inst *instance) cleanup() {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	for _, path := range inst.allocated {
		if path != inst.keep {
			inst.files.Release(path)
		}
	}
	inst.allocated = nil
}

// IsClientError reports whether err was caused by the request itself rather
// than a downstream failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrUntrustedRequest)
}
