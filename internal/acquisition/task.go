package acquisition

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hbomb79/Mixtape/internal/source"
)

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

// Task is the download of a single elementary stream in to its destination
// path. A task is owned by the Coordinator from the moment it is started
// until it reaches Completed or Failed.
type Task struct {
	Descriptor      source.StreamDescriptor
	DestinationPath string

	bytesDownloaded atomic.Int64
	bytesTotal      atomic.Int64
	state           atomic.Int32

	mu  sync.Mutex
	err error
}

func NewTask(desc source.StreamDescriptor, destination string) *Task {
	task := &Task{Descriptor: desc, DestinationPath: destination}
	task.bytesTotal.Store(-1)
	if desc.ByteLength != nil {
		task.bytesTotal.Store(*desc.ByteLength)
	}

	return task
}

func (task *Task) State() State { return State(task.state.Load()) }

func (task *Task) BytesDownloaded() int64 { return task.bytesDownloaded.Load() }

// BytesTotal returns the expected size of the stream, or -1 if unknown.
func (task *Task) BytesTotal() int64 { return task.bytesTotal.Load() }

// Err returns the reason the task failed, if it has.
func (task *Task) Err() error {
	task.mu.Lock()
	defer task.mu.Unlock()
	return task.err
}

func (task *Task) String() string {
	return fmt.Sprintf("{task kind=%s state=%s bytes=%d/%d}", task.Descriptor.Kind, task.State(), task.BytesDownloaded(), task.BytesTotal())
}

func (task *Task) complete() {
	task.state.Store(int32(Completed))
}

func (task *Task) fail(err error) {
	task.mu.Lock()
	task.err = err
	task.mu.Unlock()
	task.state.Store(int32(Failed))
}
