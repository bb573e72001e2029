package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Mixtape/internal/download"
	"github.com/hbomb79/Mixtape/internal/event"
	"github.com/hbomb79/Mixtape/internal/ffmpeg"
	"github.com/hbomb79/Mixtape/internal/pipeline"
	"github.com/hbomb79/Mixtape/internal/scratch"
	"github.com/hbomb79/Mixtape/internal/source"
	"github.com/hbomb79/Mixtape/test/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	audioContent = "audio-stream-bytes"
	videoContent = "video-stream-bytes-which-are-longer"
)

type fakeResolver struct {
	err   error
	calls atomic.Int32
}

func (r *fakeResolver) Resolve(_ context.Context, id string) (*source.Media, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}

	audioLen, videoLen := int64(len(audioContent)), int64(len(videoContent))
	return &source.Media{
		ID:       id,
		Title:    "Sample Video",
		Duration: time.Second,
		Audio:    &source.StreamDescriptor{Kind: source.Audio, URL: "https://example.test/a", Container: "m4a", Codec: "mp4a.40.2", ByteLength: &audioLen},
		Video:    &source.StreamDescriptor{Kind: source.Video, URL: "https://example.test/v", Container: "mp4", Codec: "avc1", ByteLength: &videoLen},
	}, nil
}

// fakeOpener serves fixed content for each stream kind. The video stream can
// be made to wait for the audio stream to be fully read before responding.
type fakeOpener struct {
	audioErr        error
	videoErr        error
	videoAfterAudio bool
	block           bool

	opened    chan struct{}
	audioRead chan struct{}
	once      sync.Once
}

func newOpener() *fakeOpener {
	return &fakeOpener{opened: make(chan struct{}, 8), audioRead: make(chan struct{})}
}

func (o *fakeOpener) Open(ctx context.Context, desc source.StreamDescriptor) (io.ReadCloser, int64, error) {
	o.opened <- struct{}{}
	if o.block {
		<-ctx.Done()
		return nil, 0, context.Cause(ctx)
	}

	switch desc.Kind {
	case source.Audio:
		if o.audioErr != nil {
			return nil, 0, o.audioErr
		}
		return io.NopCloser(&signalReader{r: strings.NewReader(audioContent), onEOF: func() { o.once.Do(func() { close(o.audioRead) }) }}), int64(len(audioContent)), nil
	default:
		if o.videoAfterAudio {
			select {
			case <-o.audioRead:
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
		}
		if o.videoErr != nil {
			return nil, 0, o.videoErr
		}
		return io.NopCloser(strings.NewReader(videoContent)), int64(len(videoContent)), nil
	}
}

type signalReader struct {
	r     io.Reader
	onEOF func()
}

func (s *signalReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err == io.EOF {
		s.onEOF()
	}
	return n, err
}

type recordingMuxer struct {
	calls atomic.Int32
}

func (m *recordingMuxer) Start(context.Context, *ffmpeg.MuxJob, func(int)) error {
	m.calls.Add(1)
	return errExpected
}

type harness struct {
	service  *pipeline.Service
	files    *scratch.Manager
	issuer   *download.Issuer
	events   *event.Channel
	resolver *fakeResolver
	opener   *fakeOpener
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	muxer          pipeline.Muxer
	ffmpegPath     string
	downloadConfig download.Config
	grace          time.Duration
	opener         *fakeOpener
	resolver       *fakeResolver
}

func withMuxer(m pipeline.Muxer) harnessOption { return func(c *harnessConfig) { c.muxer = m } }
func withFFmpeg(path string) harnessOption    { return func(c *harnessConfig) { c.ffmpegPath = path } }
func withOpener(o *fakeOpener) harnessOption  { return func(c *harnessConfig) { c.opener = o } }
func withResolver(r *fakeResolver) harnessOption {
	return func(c *harnessConfig) { c.resolver = r }
}
func withDownloadConfig(dc download.Config) harnessOption {
	return func(c *harnessConfig) { c.downloadConfig = dc }
}
func withGrace(d time.Duration) harnessOption { return func(c *harnessConfig) { c.grace = d } }

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	cfg := &harnessConfig{
		downloadConfig: download.Config{Secret: "test", TokenLifespan: time.Minute, EnvelopeLifespan: time.Minute},
		grace:          time.Minute,
		opener:         newOpener(),
		resolver:       &fakeResolver{},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.muxer == nil {
		path := cfg.ffmpegPath
		if path == "" {
			path = helpers.FakeFFmpeg(t)
		}
		cfg.muxer = ffmpeg.NewInvoker(ffmpeg.Config{FfmpegBinaryPath: path, MuxTimeout: 10 * time.Second, KillGrace: time.Second, AudioCodec: "aac"})
	}

	files, err := scratch.New(scratch.Config{Dir: filepath.Join(t.TempDir(), "scratch")})
	require.NoError(t, err)
	issuer, err := download.NewIssuer(cfg.downloadConfig)
	require.NoError(t, err)
	events := event.New()

	return &harness{
		service:  pipeline.New(pipeline.Config{ExpiryGrace: cfg.grace}, cfg.resolver, cfg.opener, files, cfg.muxer, issuer, events),
		files:    files,
		issuer:   issuer,
		events:   events,
		resolver: cfg.resolver,
		opener:   cfg.opener,
	}
}

func (h *harness) scratchContents(t *testing.T) []string {
	return helpers.DirEntries(t, h.files.Dir())
}

func (h *harness) assertScratchEmpty(t *testing.T) {
	assert.Empty(t, h.scratchContents(t), "every file allocated by the pipeline should have been released")
}

func drain(ch <-chan event.Message) []event.Message {
	var msgs []event.Message
	for {
		select {
		case msg := <-ch:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func progressFor(msgs []event.Message, stage event.Stage) []int {
	var out []int
	for _, msg := range msgs {
		if p, ok := msg.Payload.(event.Progress); ok && p.Stage == stage {
			out = append(out, p.Percent)
		}
	}
	return out
}

func TestExecute_VideoEndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)

	id := uuid.New()
	ch, unsubscribe := h.events.Subscribe(id, 256)
	defer unsubscribe()

	result, err := h.service.Execute(context.Background(), pipeline.Request{ID: id, SourceID: "dQw4w9WgXcQ", Format: download.Video})
	require.NoError(t, err)
	assert.Equal(t, id, result.Pipeline)
	assert.Equal(t, "Sample Video", result.Title)
	assert.Equal(t, download.Video, result.Format)
	assert.NotEmpty(t, result.Token)

	// Inputs are gone, only the muxed artifact remains
	contents := h.scratchContents(t)
	require.Len(t, contents, 1)
	assert.True(t, strings.HasSuffix(contents[0], ".mp4"))
	assert.Equal(t, 1, h.service.PendingArtifacts())

	msgs := drain(ch)
	acquiring, muxing := progressFor(msgs, event.Acquiring), progressFor(msgs, event.Muxing)
	require.NotEmpty(t, acquiring)
	require.NotEmpty(t, muxing)
	assert.IsIncreasing(t, acquiring)
	assert.IsIncreasing(t, muxing)
	assert.Equal(t, 100, acquiring[len(acquiring)-1])
	assert.Equal(t, []int{50, 100}, muxing)

	deliverer := download.NewDeliverer(h.issuer, h.files)
	delivery, err := deliverer.Open(result.Token, "mp4")
	require.NoError(t, err)
	assert.Equal(t, "Sample Video.mp4", delivery.Filename)

	out := &bytes.Buffer{}
	_, err = delivery.WriteTo(out)
	require.NoError(t, err)
	assert.Equal(t, helpers.MuxedContent, out.String())
	delivery.Close()
	h.assertScratchEmpty(t)

	_, err = deliverer.Open(result.Token, "mp4")
	assert.ErrorIs(t, err, download.ErrArtifactGone)
}

func TestExecute_AudioOnlySkipsMuxing(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	muxer := &recordingMuxer{}
	h := newHarness(t, withMuxer(muxer))

	result, err := h.service.Execute(context.Background(), pipeline.Request{SourceID: "dQw4w9WgXcQ", Format: download.Audio})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, result.Pipeline)
	assert.Zero(t, muxer.calls.Load())

	delivery, err := download.NewDeliverer(h.issuer, h.files).Open(result.Token, "audio")
	require.NoError(t, err)
	assert.Equal(t, "Sample Video.m4a", delivery.Filename)

	out := &bytes.Buffer{}
	_, err = delivery.WriteTo(out)
	require.NoError(t, err)
	assert.Equal(t, audioContent, out.String())
	delivery.Close()
	h.assertScratchEmpty(t)
}

func TestExecute_VideoFailsAfterAudioCompletes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	muxer := &recordingMuxer{}
	opener := newOpener()
	opener.videoAfterAudio = true
	opener.videoErr = errExpected
	h := newHarness(t, withMuxer(muxer), withOpener(opener))

	_, err := h.service.Execute(context.Background(), pipeline.Request{SourceID: "dQw4w9WgXcQ", Format: download.Video})
	assert.ErrorIs(t, err, pipeline.ErrAcquisition)
	assert.ErrorIs(t, err, errExpected)
	assert.Zero(t, muxer.calls.Load(), "muxing must not start when acquisition failed")
	h.assertScratchEmpty(t)
	assert.Zero(t, h.service.PendingArtifacts())
}

func TestExecute_CleanupAtEveryFailurePoint(t *testing.T) {
	tests := []struct {
		name     string
		opts     func(t *testing.T) []harnessOption
		expected error
	}{
		{
			name: "resolution",
			opts: func(*testing.T) []harnessOption {
				return []harnessOption{withResolver(&fakeResolver{err: errExpected})}
			},
			expected: pipeline.ErrResolution,
		},
		{
			name: "acquisition",
			opts: func(*testing.T) []harnessOption {
				o := newOpener()
				o.audioErr = errExpected
				return []harnessOption{withOpener(o)}
			},
			expected: pipeline.ErrAcquisition,
		},
		{
			name: "transcode",
			opts: func(t *testing.T) []harnessOption {
				return []harnessOption{withFFmpeg(helpers.FailingFFmpeg(t, "Invalid data found when processing input"))}
			},
			expected: pipeline.ErrTranscode,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
			h := newHarness(t, test.opts(t)...)

			_, err := h.service.Execute(context.Background(), pipeline.Request{SourceID: "dQw4w9WgXcQ", Format: download.Video})
			assert.ErrorIs(t, err, test.expected)
			h.assertScratchEmpty(t)
			assert.Zero(t, h.service.PendingArtifacts())
		})
	}

	t.Run("delivery", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
		h := newHarness(t)

		result, err := h.service.Execute(context.Background(), pipeline.Request{SourceID: "dQw4w9WgXcQ", Format: download.Video})
		require.NoError(t, err)

		delivery, err := download.NewDeliverer(h.issuer, h.files).Open(result.Token, "")
		require.NoError(t, err)
		_, err = delivery.WriteTo(failingWriter{})
		assert.ErrorIs(t, err, download.ErrDelivery)
		delivery.Close()
		h.assertScratchEmpty(t)
	})
}

func TestExecute_TranscodeFailureCarriesDiagnostic(t *testing.T) {
	h := newHarness(t, withFFmpeg(helpers.FailingFFmpeg(t, "moov atom not found")))

	_, err := h.service.Execute(context.Background(), pipeline.Request{SourceID: "dQw4w9WgXcQ", Format: download.Video})
	require.ErrorIs(t, err, pipeline.ErrTranscode)
	assert.Contains(t, err.Error(), "moov atom not found")
}

func TestExecute_RejectsInvalidInput(t *testing.T) {
	h := newHarness(t)

	for _, request := range []pipeline.Request{
		{SourceID: "", Format: download.Video},
		{SourceID: "not a valid id!", Format: download.Video},
		{SourceID: strings.Repeat("a", 65), Format: download.Audio},
		{SourceID: "dQw4w9WgXcQ", Format: "flac"},
		{SourceID: "dQw4w9WgXcQ"},
	} {
		_, err := h.service.Execute(context.Background(), request)
		assert.ErrorIs(t, err, pipeline.ErrInvalidInput, "%+v", request)
		assert.True(t, pipeline.IsClientError(err))
	}

	assert.Zero(t, h.resolver.calls.Load())
	h.assertScratchEmpty(t)
}

func TestExecute_Envelope(t *testing.T) {
	h := newHarness(t, withMuxer(&recordingMuxer{}), withDownloadConfig(download.Config{
		Secret: "test", TokenLifespan: time.Minute, EnvelopeLifespan: time.Minute, RequireEnvelope: true,
	}))

	_, err := h.service.Execute(context.Background(), pipeline.Request{SourceID: "dQw4w9WgXcQ", Format: download.Audio})
	assert.ErrorIs(t, err, pipeline.ErrUntrustedRequest)

	other, err := h.issuer.IssueEnvelope("somethingElse")
	require.NoError(t, err)
	_, err = h.service.Execute(context.Background(), pipeline.Request{SourceID: "dQw4w9WgXcQ", Format: download.Audio, Envelope: other})
	assert.ErrorIs(t, err, pipeline.ErrUntrustedRequest)
	assert.Zero(t, h.resolver.calls.Load())

	envelope, err := h.issuer.IssueEnvelope("dQw4w9WgXcQ")
	require.NoError(t, err)
	_, err = h.service.Execute(context.Background(), pipeline.Request{SourceID: "dQw4w9WgXcQ", Format: download.Audio, Envelope: envelope})
	assert.NoError(t, err)
}

func TestExecute_UnredeemedArtifactExpires(t *testing.T) {
	h := newHarness(t, withGrace(0), withDownloadConfig(download.Config{Secret: "test", TokenLifespan: time.Millisecond}))

	_, err := h.service.Execute(context.Background(), pipeline.Request{SourceID: "dQw4w9WgXcQ", Format: download.Audio})
	require.NoError(t, err)

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.Empty(c, helpers.DirEntries(t, h.files.Dir()))
		assert.Zero(c, h.service.PendingArtifacts())
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExecute_ClientCancellation(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	opener := newOpener()
	opener.block = true
	h := newHarness(t, withOpener(opener))

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := h.service.Execute(ctx, pipeline.Request{SourceID: "dQw4w9WgXcQ", Format: download.Video})
		errs <- err
	}()

	<-opener.opened
	cancel()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, pipeline.ErrAcquisition)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not observe cancellation")
	}
	h.assertScratchEmpty(t)
}

func TestRun_ShutdownCancelsAndReleases(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)

	// One artifact awaiting redemption
	_, err := h.service.Execute(context.Background(), pipeline.Request{SourceID: "dQw4w9WgXcQ", Format: download.Audio})
	require.NoError(t, err)
	require.Equal(t, 1, h.service.PendingArtifacts())

	// One pipeline stuck acquiring
	blocked := blockOpener(h)
	errs := make(chan error, 1)
	go func() {
		_, err := h.service.Execute(context.Background(), pipeline.Request{SourceID: "dQw4w9WgXcQ", Format: download.Video})
		errs <- err
	}()
	<-blocked.opened

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- h.service.Run(ctx) }()
	cancel()

	require.NoError(t, <-runErr)
	assert.ErrorIs(t, <-errs, pipeline.ErrShuttingDown)
	assert.Zero(t, h.service.PendingArtifacts())
	h.assertScratchEmpty(t)
}

// blockOpener switches the harness opener so that subsequent streams block
// until cancelled.
func blockOpener(h *harness) *fakeOpener {
	for len(h.opener.opened) > 0 {
		<-h.opener.opened
	}
	h.opener.block = true
	return h.opener
}

func TestSpawn_DispatchesOutcome(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	t.Run("complete", func(t *testing.T) {
		h := newHarness(t)
		id := uuid.New()
		ch, unsubscribe := h.events.Subscribe(id, 256)
		defer unsubscribe()

		assert.Equal(t, id, h.service.Spawn(context.Background(), pipeline.Request{ID: id, SourceID: "dQw4w9WgXcQ", Format: download.Video}))
		msg := awaitTerminal(t, ch)
		require.Equal(t, event.PIPELINE_COMPLETE, msg.Event)
		result, ok := msg.Payload.(*pipeline.Result)
		require.True(t, ok)
		assert.Equal(t, id, result.Pipeline)
	})

	t.Run("failure", func(t *testing.T) {
		h := newHarness(t, withResolver(&fakeResolver{err: errExpected}))
		id := uuid.New()
		ch, unsubscribe := h.events.Subscribe(id, 256)
		defer unsubscribe()

		h.service.Spawn(context.Background(), pipeline.Request{ID: id, SourceID: "dQw4w9WgXcQ", Format: download.Video})
		msg := awaitTerminal(t, ch)
		require.Equal(t, event.PIPELINE_FAILURE, msg.Event)
		err, ok := msg.Payload.(error)
		require.True(t, ok)
		assert.ErrorIs(t, err, pipeline.ErrResolution)
	})
}

func awaitTerminal(t *testing.T, ch <-chan event.Message) event.Message {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case msg := <-ch:
			if msg.Event != event.PIPELINE_PROGRESS {
				return msg
			}
		case <-timeout:
			t.Fatal("timed out waiting for pipeline outcome")
			return event.Message{}
		}
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("client went away") }
