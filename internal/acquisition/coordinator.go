// Package acquisition downloads the elementary streams of a pipeline
// concurrently, each in to its own scratch file.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/renameio/v2"
	"github.com/hbomb79/Mixtape/internal/metrics"
	"github.com/hbomb79/Mixtape/internal/source"
	"github.com/hbomb79/Mixtape/pkg/logger"
	"golang.org/x/sync/errgroup"
)

var log = logger.Get("Acquisition")

const copyBufferSize = 32 * 1024

type (
	Opener interface {
		Open(context.Context, source.StreamDescriptor) (io.ReadCloser, int64, error)
	}

	// FileCreator opens a pending file which replaces the given path only
	// once it is committed.
	FileCreator interface {
		Create(path string) (*renameio.PendingFile, error)
	}

	// Barrier is told about the terminal result of every task.
	Barrier interface {
		Succeed()
		Fail(error)
	}

	Coordinator struct {
		opener Opener
		files  FileCreator
	}

	// Acquisition is a handle to a set of running tasks.
	Acquisition struct {
		Tasks []*Task
		group *errgroup.Group
	}
)

func New(opener Opener, files FileCreator) *Coordinator {
	return &Coordinator{opener: opener, files: files}
}

// Start begins downloading every task concurrently and returns immediately.
// Each task reports its terminal result to the barrier; report is called with
// the aggregate percentage whenever it crosses a new integer boundary.
func (c *Coordinator) Start(ctx context.Context, tasks []*Task, barrier Barrier, report func(int)) *Acquisition {
	group := &errgroup.Group{}
	meter := newMeter(tasks, report)

	for _, task := range tasks {
		task := task
		group.Go(func() error {
			if err := c.download(ctx, task, meter); err != nil {
				log.Warnf("Acquisition of %s stream failed: %v\n", task.Descriptor.Kind, err)
				task.fail(err)
				barrier.Fail(err)
				return err
			}

			log.Emit(logger.SUCCESS, "Acquired %s stream (%d bytes)\n", task.Descriptor.Kind, task.BytesDownloaded())
			task.complete()
			barrier.Succeed()
			return nil
		})
	}

	return &Acquisition{Tasks: tasks, group: group}
}

// Wait blocks until every task has reached a terminal state, returning the
// first failure (if any). Once Wait returns no task will touch its
// destination again.
func (a *Acquisition) Wait() error {
	return a.group.Wait()
}

func (c *Coordinator) download(ctx context.Context, task *Task, meter *meter) error {
	task.state.Store(int32(Running))

	body, length, err := c.opener.Open(ctx, task.Descriptor)
	if err != nil {
		return err
	}
	defer body.Close()

	if length > 0 {
		task.bytesTotal.Store(length)
	}

	pending, err := c.files.Create(task.DestinationPath)
	if err != nil {
		return fmt.Errorf("failed to open destination for %s stream: %w", task.Descriptor.Kind, err)
	}
	defer pending.Cleanup()

	buf := make([]byte, copyBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := pending.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write %s stream: %w", task.Descriptor.Kind, err)
			}

			task.bytesDownloaded.Add(int64(n))
			metrics.AddAcquiredBytes(string(task.Descriptor.Kind), n)
			meter.update()
		}

		if errors.Is(readErr, io.EOF) {
			break
		} else if readErr != nil {
			return fmt.Errorf("failed to read %s stream: %w", task.Descriptor.Kind, readErr)
		}
	}

	if total := task.BytesTotal(); total > 0 && task.BytesDownloaded() != total {
		return fmt.Errorf("%s stream ended after %d of %d bytes: %w", task.Descriptor.Kind, task.BytesDownloaded(), total, io.ErrUnexpectedEOF)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("failed to commit %s stream: %w", task.Descriptor.Kind, err)
	}

	// A stream of unknown length is now known, which lets the aggregate reach 100.
	task.bytesTotal.Store(task.BytesDownloaded())
	meter.update()
	return nil
}
