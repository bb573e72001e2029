package acquisition

import "sync"

// meter aggregates the byte progress of every task in an acquisition in to a
// single integer percentage. Only tasks with a known total contribute, and a
// new value is only reported once it crosses a new integer boundary.
type meter struct {
	mu     sync.Mutex
	tasks  []*Task
	last   int
	report func(int)
}

func newMeter(tasks []*Task, report func(int)) *meter {
	return &meter{tasks: tasks, last: -1, report: report}
}

func (m *meter) update() {
	if m.report == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var downloaded, total int64
	for _, task := range m.tasks {
		if t := task.BytesTotal(); t > 0 {
			total += t
			downloaded += min(task.BytesDownloaded(), t)
		}
	}
	if total == 0 {
		return
	}

	percent := int(downloaded * 100 / total)
	if percent <= m.last {
		return
	}

	m.last = percent
	m.report(percent)
}
