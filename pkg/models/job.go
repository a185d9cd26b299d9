package models

import "time"

// JobStatus represents the lifecycle state of a runner job.
//
// queued and running are the only non-terminal states. Once a job reaches a
// terminal state it never transitions again.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
	JobTimeout JobStatus = "timeout"
	JobKilled  JobStatus = "killed"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobDone, JobFailed, JobTimeout, JobKilled:
		return true
	}
	return false
}

// Job is the externally visible record of one sandboxed execution request.
type Job struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Cmd            string    `json:"cmd"`
	Lang           string    `json:"lang"`
	Status         JobStatus `json:"status"`
	ExitCode       int       `json:"exit_code"`
	MaxSeconds     int       `json:"max_seconds"`
	MaxOutputBytes int64     `json:"max_output_bytes"`
	CreatedAt      time.Time `json:"created_at"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
}

// LogStream identifies which stream a log row came from.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
	StreamSys    LogStream = "sys"
)

// LogRow is one persisted chunk of job output. Rows for a single job are
// totally ordered by Seq; a late-connecting subscriber replays them for
// catch-up before receiving live events.
type LogRow struct {
	JobID     string    `json:"job_id"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Stream    LogStream `json:"stream"`
	Chunk     string    `json:"chunk"`
}

// JobEventType categorizes events on a job's live stream.
type JobEventType string

const (
	EventStdout JobEventType = "stdout"
	EventStderr JobEventType = "stderr"
	EventSys    JobEventType = "sys"
	EventStatus JobEventType = "status"
)

// JobEvent is one ordered event on a job's live subscription stream. A
// stream terminates in exactly one status event carrying the terminal state.
type JobEvent struct {
	Type      JobEventType `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Payload   string       `json:"payload,omitempty"`
	Status    JobStatus    `json:"status,omitempty"`
	ExitCode  int          `json:"exit_code,omitempty"`
}

// Artifact describes one file a job wrote into its artifact directory.
// Only metadata is reported; content is never streamed automatically.
type Artifact struct {
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	Extension string `json:"extension"`
}
