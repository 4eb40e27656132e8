// Package ffarm contains the shared data models used by the job store,
// lease manager, control API, and worker agent. These types mirror the
// job/worker lifecycle described by the dispatcher design.
package ffarm

import "time"

// JobStatus is the lifecycle state of an encode job.
// States: PENDING -> LEASED -> RUNNING -> {SUCCEEDED | FAILED}, with
// recovery edges LEASED|RUNNING -> PENDING on lease expiry, explicit
// release, or worker offline, and an admin edge FAILED -> PENDING.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobLeased    JobStatus = "LEASED"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
)

// Valid reports whether s is one of the allowed job states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobLeased, JobRunning, JobSucceeded, JobFailed:
		return true
	default:
		return false
	}
}

// Leased reports whether a job in this state holds an active lease.
func (s JobStatus) Leased() bool {
	return s == JobLeased || s == JobRunning
}

// Terminal reports whether s is a terminal (completed) state.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

func (s JobStatus) String() string { return string(s) }

// WorkerStatus is the lifecycle state of a worker as tracked by the master.
type WorkerStatus string

const (
	WorkerOnline        WorkerStatus = "ONLINE"
	WorkerStopping      WorkerStatus = "STOPPING"
	WorkerForceStopping WorkerStatus = "FORCE_STOPPING"
	WorkerStopped       WorkerStatus = "STOPPED"
	WorkerOffline       WorkerStatus = "OFFLINE"
)

// Valid reports whether s is one of the allowed worker states.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerOnline, WorkerStopping, WorkerForceStopping, WorkerStopped, WorkerOffline:
		return true
	default:
		return false
	}
}

func (s WorkerStatus) String() string { return string(s) }

// Job is a single transcode request and its lifecycle state.
type Job struct {
	ID           int64
	InputPath    string
	OutputPath   string
	ProfileID    string
	Status       JobStatus
	WorkerID     *string
	LeaseUntil   *time.Time
	Progress     float64
	Attempts     int
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	ReturnCode   *int
	StderrTail   string
	StdoutTail   string
	ErrorMessage *string
}

// NewJob constructs a Job in its initial PENDING state. The store assigns ID
// on insert.
func NewJob(inputPath, outputPath, profileID string, now time.Time) Job {
	return Job{
		InputPath:  inputPath,
		OutputPath: outputPath,
		ProfileID:  profileID,
		Status:     JobPending,
		Progress:   0,
		Attempts:   0,
		CreatedAt:  now,
	}
}

// Worker is a registered worker node.
type Worker struct {
	ID            string
	Name          string
	BaseURL       string
	LastSeen      time.Time
	Status        WorkerStatus
	RunningJobID  *string
	AcceptLeases  bool
}

// JobFilter narrows ListJobs queries. Zero value lists every job.
type JobFilter struct {
	Status *JobStatus
}
