package api

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hbomb79/Mixtape/internal/api/pipelines"
	"github.com/hbomb79/Mixtape/internal/event"
	"github.com/hbomb79/Mixtape/internal/http/websocket"
	"github.com/hbomb79/Mixtape/internal/pipeline"
	"github.com/mitchellh/mapstructure"
)

const (
	COMMAND_START_PIPELINE = "START_PIPELINE"

	TITLE_PIPELINE_STARTED  = "PIPELINE_STARTED"
	TITLE_PIPELINE_PROGRESS = "PIPELINE_PROGRESS"
	TITLE_PIPELINE_COMPLETE = "PIPELINE_COMPLETE"
	TITLE_PIPELINE_FAILURE  = "PIPELINE_FAILURE"

	subscriptionBuffer = 64
)

type (
	startPipelineArgs struct {
		ID       string `mapstructure:"id"`
		Format   string `mapstructure:"format"`
		Envelope string `mapstructure:"envelope"`
	}

	PipelineSpawner interface {
		Spawn(context.Context, pipeline.Request) uuid.UUID
	}

	EventSubscriber interface {
		Subscribe(pipeline uuid.UUID, buffer int) (<-chan event.Message, func())
	}

	// activity relays the progress of pipelines started over the websocket
	// back to the client which started them.
	activity struct {
		spawner     PipelineSpawner
		events      EventSubscriber
		downloadURL pipelines.URLBuilder
	}
)

func (a *activity) bind(hub *websocket.SocketHub) {
	hub.BindCommand(COMMAND_START_PIPELINE, a.startPipeline)
}

// startPipeline spawns a pipeline bound to the lifetime of the client
// connection. The events it produces are forwarded only to that client.
func (a *activity) startPipeline(ctx context.Context, hub *websocket.SocketHub, message *websocket.SocketMessage) error {
	var args startPipelineArgs
	if err := mapstructure.Decode(message.Body, &args); err != nil {
		return fmt.Errorf("%w: malformed arguments: %w", pipeline.ErrInvalidInput, err)
	}

	request, err := pipelines.NewRequest(args.ID, args.Format, args.Envelope)
	if err != nil {
		return err
	}

	// Subscribe before spawning so that no event can be missed
	request.ID = uuid.New()
	events, unsubscribe := a.events.Subscribe(request.ID, subscriptionBuffer)

	hub.Send(message.FormReply(TITLE_PIPELINE_STARTED, map[string]interface{}{"pipeline": request.ID}, websocket.Response))
	a.spawner.Spawn(ctx, request)

	go a.relay(ctx, hub, message, request.ID, events, unsubscribe)
	return nil
}

func (a *activity) relay(ctx context.Context, hub *websocket.SocketHub, origin *websocket.SocketMessage, id uuid.UUID, events <-chan event.Message, unsubscribe func()) {
	defer unsubscribe()

	for {
		select {
		case msg, ok := <-events:
			if !ok {
				return
			}

			reply, terminal := a.toSocketMessage(origin, id, msg)
			if reply != nil {
				hub.Send(reply)
			}
			if terminal {
				return
			}
		case <-ctx.Done():
			// The client is gone; the pipeline observes the same context
			return
		}
	}
}

func (a *activity) toSocketMessage(origin *websocket.SocketMessage, id uuid.UUID, msg event.Message) (*websocket.SocketMessage, bool) {
	switch msg.Event {
	case event.PIPELINE_PROGRESS:
		progress := msg.Payload.(event.Progress)
		return origin.FormReply(TITLE_PIPELINE_PROGRESS, map[string]interface{}{
			"pipeline": id,
			"stage":    progress.Stage,
			"percent":  progress.Percent,
		}, websocket.Update), false
	case event.PIPELINE_COMPLETE:
		result := msg.Payload.(*pipeline.Result)
		dto := pipelines.NewDto(result, a.downloadURL)
		return origin.FormReply(TITLE_PIPELINE_COMPLETE, map[string]interface{}{
			"pipeline":     id,
			"token":        dto.Token,
			"title":        dto.Title,
			"download_url": dto.DownloadURL,
			"expires_at":   dto.ExpiresAt,
			"format":       dto.Format,
		}, websocket.Update), true
	case event.PIPELINE_FAILURE:
		apiErr := NewAPIError(msg.Payload.(error))
		return origin.FormReply(TITLE_PIPELINE_FAILURE, map[string]interface{}{
			"pipeline": id,
			"error":    apiErr.Message,
		}, websocket.ErrorResponse), true
	default:
		log.Warnf("Ignoring unexpected event %s for pipeline %s\n", msg.Event, id)
		return nil, false
	}
}
