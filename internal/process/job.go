// internal/process/job.go
package process

import "time"

// JobStatus represents the lifecycle state of a processing job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Job is one unit of pipeline work. The worker keeps it for auditing and
// copies its timestamps into published events.
type Job struct {
	ID         string
	Kind       string
	AssetID    string
	Input      any
	Status     JobStatus
	Error      string
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

func NewJob(kind, id, assetID string, input any) *Job {
	return &Job{
		ID:        id,
		Kind:      kind,
		AssetID:   assetID,
		Input:     input,
		Status:    JobStatusPending,
		CreatedAt: time.Now(),
	}
}

func MarkRunning(j *Job) {
	j.Status = JobStatusRunning
	j.StartedAt = time.Now()
}

func MarkSucceeded(j *Job) {
	j.Status = JobStatusSucceeded
	j.FinishedAt = time.Now()
}

func MarkFailed(j *Job, err error) {
	j.Status = JobStatusFailed
	j.FinishedAt = time.Now()
	if err != nil {
		j.Error = err.Error()
	}
}

// Duration is the time spent running, or zero if the job never finished.
func (j *Job) Duration() time.Duration {
	if j.StartedAt.IsZero() || j.FinishedAt.IsZero() {
		return 0
	}
	return j.FinishedAt.Sub(j.StartedAt)
}
