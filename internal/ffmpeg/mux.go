// Package ffmpeg supervises the external ffmpeg process used to multiplex
// separately downloaded audio and video streams in to a single container.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/floostack/transcoder/ffmpeg"
	"github.com/hbomb79/Mixtape/internal/metrics"
	"github.com/hbomb79/Mixtape/pkg/logger"
)

var log = logger.Get("FFmpeg")

var (
	ErrTimeout    = errors.New("ffmpeg exceeded its time budget")
	ErrNotPending = errors.New("mux job has already been started")
)

const (
	stderrLimit         = 4096
	progressDrainPeriod = time.Second
)

type Config struct {
	FfmpegBinaryPath  string        `yaml:"ffmpeg_binary_path" env:"FFMPEG_BINARY_PATH" env-default:"ffmpeg"`
	FfprobeBinaryPath string        `yaml:"ffprobe_binary_path" env:"FFPROBE_BINARY_PATH" env-default:"ffprobe"`
	MuxTimeout        time.Duration `yaml:"mux_timeout" env:"FFMPEG_MUX_TIMEOUT" env-default:"10m"`
	KillGrace         time.Duration `yaml:"kill_grace" env:"FFMPEG_KILL_GRACE" env-default:"5s"`
	AudioCodec        string        `yaml:"audio_codec" env:"FFMPEG_AUDIO_CODEC" env-default:"aac"`
	AudioBitrate      string        `yaml:"audio_bitrate" env:"FFMPEG_AUDIO_BITRATE" env-default:"192k"`
}

type State int32

const (
	Pending State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return fmt.Sprintf("PENDING[%d]", s)
	case Running:
		return fmt.Sprintf("RUNNING[%d]", s)
	case Completed:
		return fmt.Sprintf("COMPLETED[%d]", s)
	case Failed:
		return fmt.Sprintf("FAILED[%d]", s)
	default:
		return fmt.Sprintf("UNKNOWN[%d]", s)
	}
}

// MuxJob is a single invocation of ffmpeg, combining the first audio track of
// AudioPath with the first video track of VideoPath in to OutputPath.
type MuxJob struct {
	AudioPath  string
	VideoPath  string
	OutputPath string
	Duration   time.Duration

	state        atomic.Int32
	lastProgress atomic.Int32
	done         chan struct{}
	err          error
}

func NewMuxJob(audioPath, videoPath, outputPath string, duration time.Duration) *MuxJob {
	job := &MuxJob{AudioPath: audioPath, VideoPath: videoPath, OutputPath: outputPath, Duration: duration, done: make(chan struct{})}
	job.lastProgress.Store(-1)
	return job
}

func (job *MuxJob) State() State { return State(job.state.Load()) }

// LastProgressPercent returns the most recent percentage reported, or -1.
func (job *MuxJob) LastProgressPercent() int { return int(job.lastProgress.Load()) }

// Done is closed once the job has reached Completed or Failed.
func (job *MuxJob) Done() <-chan struct{} { return job.done }

// Err returns the failure of the job. Only meaningful once Done is closed.
func (job *MuxJob) Err() error {
	select {
	case <-job.done:
		return job.err
	default:
		return nil
	}
}

// Wait blocks until the job finishes or ctx is done.
func (job *MuxJob) Wait(ctx context.Context) error {
	select {
	case <-job.done:
		return job.err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (job *MuxJob) String() string {
	return fmt.Sprintf("{mux state=%s progress=%d out=%s}", job.State(), job.LastProgressPercent(), job.OutputPath)
}

func (job *MuxJob) finish(err error) {
	job.err = err
	if err != nil {
		job.state.Store(int32(Failed))
	} else {
		job.state.Store(int32(Completed))
	}
	close(job.done)
}

type Invoker struct {
	config Config
}

func NewInvoker(config Config) *Invoker {
	return &Invoker{config: config}
}

// Start launches ffmpeg for the job and returns as soon as the process is
// running. The job owns its own wait; completion is signalled via Done.
// onProgress (which may be nil) receives non-decreasing percentages.
//
// The process is terminated if ctx is cancelled or the configured time budget
// elapses, in which case the job fails.
func (inv *Invoker) Start(ctx context.Context, job *MuxJob, onProgress func(int)) error {
	if !job.state.CompareAndSwap(int32(Pending), int32(Running)) {
		return ErrNotPending
	}

	if job.Duration <= 0 {
		if d, err := inv.ProbeDuration(job.VideoPath); err == nil {
			job.Duration = d
		} else {
			log.Warnf("Unable to determine duration of %s, progress will not be reported: %v\n", job.VideoPath, err)
		}
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	if inv.config.MuxTimeout > 0 {
		timer := time.AfterFunc(inv.config.MuxTimeout, func() { cancel(ErrTimeout) })
		prevCancel := cancel
		cancel = func(cause error) { timer.Stop(); prevCancel(cause) }
	}

	progressReader, progressWriter, err := os.Pipe()
	if err != nil {
		cancel(nil)
		job.finish(fmt.Errorf("failed to create progress pipe: %w", err))
		return job.err
	}

	stderr := &boundedBuffer{limit: stderrLimit}
	cmd := exec.CommandContext(runCtx, inv.config.FfmpegBinaryPath, inv.buildArguments(job)...)
	cmd.ExtraFiles = []*os.File{progressWriter}
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Signal the whole process group; anything left after KillGrace is SIGKILLed
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
			return cmd.Process.Signal(syscall.SIGTERM)
		}
		return nil
	}
	cmd.WaitDelay = inv.config.KillGrace

	started := time.Now()
	if err := cmd.Start(); err != nil {
		progressReader.Close()
		progressWriter.Close()
		cancel(nil)
		job.finish(fmt.Errorf("failed to start ffmpeg: %w", err))
		return job.err
	}
	progressWriter.Close()
	log.Emit(logger.NEW, "Started ffmpeg (pid %d) for %s\n", cmd.Process.Pid, job)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		inv.readProgress(progressReader, job, onProgress)
	}()

	go func() {
		defer cancel(nil)

		waitErr := cmd.Wait()
		select {
		case <-readerDone:
		case <-time.After(progressDrainPeriod):
			log.Warnf("Progress pipe for %s still open after exit, closing\n", job)
		}
		progressReader.Close()
		<-readerDone

		err := inv.classify(runCtx, waitErr, stderr)
		metrics.ObserveMux(time.Since(started), err)
		if err != nil {
			log.Errorf("FFmpeg mux failed for %s: %v\n", job, err)
		} else {
			log.Emit(logger.SUCCESS, "FFmpeg mux completed in %s for %s\n", time.Since(started).Round(time.Millisecond), job)
		}
		job.finish(err)
	}()

	return nil
}

func (inv *Invoker) buildArguments(job *MuxJob) []string {
	videoCodec := "copy"
	audioCodec := inv.config.AudioCodec
	movFlags := "+faststart"
	opts := ffmpeg.Options{VideoCodec: &videoCodec, AudioCodec: &audioCodec, MovFlags: &movFlags}
	if inv.config.AudioBitrate != "" {
		bitrate := inv.config.AudioBitrate
		opts.AudioBitrate = &bitrate
	}

	args := []string{
		"-y", "-nostdin", "-hide_banner", "-loglevel", "error",
		"-progress", "pipe:3",
		"-i", job.AudioPath,
		"-i", job.VideoPath,
		"-map", "0:a:0", "-map", "1:v:0",
	}
	args = append(args, opts.GetStrArguments()...)
	return append(args, "-f", "mp4", job.OutputPath)
}

func (inv *Invoker) readProgress(r *os.File, job *MuxJob, onProgress func(int)) {
	parser := &progressParser{duration: job.Duration}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		percent, ok := parser.feed(scanner.Text())
		if !ok || int32(percent) <= job.lastProgress.Load() {
			continue
		}

		job.lastProgress.Store(int32(percent))
		if onProgress != nil {
			onProgress(percent)
		}
	}
}

func (inv *Invoker) classify(ctx context.Context, waitErr error, stderr *boundedBuffer) error {
	if cause := context.Cause(ctx); cause != nil && ctx.Err() != nil {
		if errors.Is(cause, ErrTimeout) {
			return fmt.Errorf("%w (%s)", ErrTimeout, inv.config.MuxTimeout)
		}
		if waitErr != nil {
			return fmt.Errorf("ffmpeg terminated: %w", cause)
		}
	}

	if waitErr == nil {
		return nil
	}

	diagnostic := strings.TrimSpace(stderr.String())
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return fmt.Errorf("ffmpeg exited with status %d: %s", exitErr.ExitCode(), diagnostic)
	}

	return fmt.Errorf("ffmpeg failed: %w", waitErr)
}

// boundedBuffer keeps the first limit bytes written to it.
type boundedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		b.buf.Write(p[:min(room, len(p))])
	}

	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
