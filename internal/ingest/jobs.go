package ingest

import "sync"

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is a snapshot of one ingestion job's state. Progress runs 0-100.
type Job struct {
	ID       string `json:"jobId"`
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
	Stage    string `json:"stage,omitempty"`
	Error    string `json:"error,omitempty"`
}

// JobTable tracks ingestion jobs in memory. Updates replace the whole record
// so readers always observe a consistent snapshot. State does not survive a
// restart; an interrupted job simply reports its last known state never
// reaching completed.
type JobTable struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

// NewJobTable creates an empty job table.
func NewJobTable() *JobTable {
	return &JobTable{jobs: make(map[string]Job)}
}

// Set stores the job snapshot, replacing any previous state.
func (t *JobTable) Set(j Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[j.ID] = j
}

// Get returns the job snapshot and whether it exists.
func (t *JobTable) Get(id string) (Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[id]
	return j, ok
}
