// Package runnertools exposes the job runner as runner.* tools. Ownership
// is enforced here at the boundary: a job belonging to another user is
// reported as not found, never leaking its existence, and the runner itself
// stays ownership-agnostic.
package runnertools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/haasonsaas/crucible/internal/runner"
	"github.com/haasonsaas/crucible/internal/tools"
	"github.com/haasonsaas/crucible/pkg/models"
)

// ErrJobNotFound is returned both for unknown job ids and for jobs owned by
// a different user.
var ErrJobNotFound = errors.New("job not found")

// Register adds every runner.* tool to the registry.
func Register(registry *tools.Registry, r *runner.Runner) error {
	for _, t := range All(r) {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// All returns the runner tool set.
func All(r *runner.Runner) []tools.Tool {
	return []tools.Tool{
		&spawnTool{r},
		&statusTool{r},
		&killTool{r},
		&logsTool{r},
		&artifactsTool{r},
	}
}

// owned resolves a job and rejects cross-user access.
func owned(r *runner.Runner, jobID, userID string) (models.Job, error) {
	j, err := r.Get(jobID)
	if err != nil {
		return models.Job{}, ErrJobNotFound
	}
	if j.UserID != userID {
		return models.Job{}, ErrJobNotFound
	}
	return j, nil
}

type jobIDArgs struct {
	JobID string `json:"job_id"`
}

const jobIDSchema = `{
	"type": "object",
	"properties": {
		"job_id": {"type": "string", "minLength": 1, "maxLength": 64}
	},
	"required": ["job_id"],
	"additionalProperties": false
}`

type spawnTool struct{ runner *runner.Runner }

func (t *spawnTool) Name() string { return "runner.spawn" }

func (t *spawnTool) Description() string {
	return "Run a program from the user's workspace in an isolated sandbox."
}

func (t *spawnTool) Kind() tools.Kind { return tools.KindExecute }

func (t *spawnTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"cmd": {"type": "string", "minLength": 1, "maxLength": 255},
			"lang": {"type": "string", "enum": ["python", "node", "javascript", "bash", "sh"]},
			"max_seconds": {"type": "integer", "minimum": 1, "maximum": 300},
			"max_output_bytes": {"type": "integer", "minimum": 1024}
		},
		"required": ["cmd", "lang"],
		"additionalProperties": false
	}`)
}

func (t *spawnTool) Execute(ctx context.Context, userID string, args json.RawMessage) (any, error) {
	var a struct {
		Cmd            string `json:"cmd"`
		Lang           string `json:"lang"`
		MaxSeconds     int    `json:"max_seconds"`
		MaxOutputBytes int64  `json:"max_output_bytes"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	job, err := t.runner.Spawn(ctx, runner.SpawnRequest{
		UserID:         userID,
		Cmd:            a.Cmd,
		Lang:           a.Lang,
		MaxSeconds:     a.MaxSeconds,
		MaxOutputBytes: a.MaxOutputBytes,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"job_id": job.ID, "status": job.Status}, nil
}

type statusTool struct{ runner *runner.Runner }

func (t *statusTool) Name() string            { return "runner.status" }
func (t *statusTool) Description() string     { return "Get the status of one of the user's jobs." }
func (t *statusTool) Kind() tools.Kind        { return tools.KindRead }
func (t *statusTool) Schema() json.RawMessage { return json.RawMessage(jobIDSchema) }

func (t *statusTool) Execute(ctx context.Context, userID string, args json.RawMessage) (any, error) {
	var a jobIDArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	return owned(t.runner, a.JobID, userID)
}

type killTool struct{ runner *runner.Runner }

func (t *killTool) Name() string            { return "runner.kill" }
func (t *killTool) Description() string     { return "Forcibly terminate one of the user's jobs." }
func (t *killTool) Kind() tools.Kind        { return tools.KindRead }
func (t *killTool) Schema() json.RawMessage { return json.RawMessage(jobIDSchema) }

func (t *killTool) Execute(ctx context.Context, userID string, args json.RawMessage) (any, error) {
	var a jobIDArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if _, err := owned(t.runner, a.JobID, userID); err != nil {
		return nil, err
	}
	if err := t.runner.Kill(a.JobID); err != nil {
		if errors.Is(err, runner.ErrNotRunning) {
			return map[string]any{"job_id": a.JobID, "killed": false, "reason": "not_running"}, nil
		}
		return nil, err
	}
	return map[string]any{"job_id": a.JobID, "killed": true}, nil
}

type logsTool struct{ runner *runner.Runner }

func (t *logsTool) Name() string        { return "runner.logs" }
func (t *logsTool) Description() string { return "Fetch persisted output rows for one of the user's jobs." }
func (t *logsTool) Kind() tools.Kind    { return tools.KindRead }

func (t *logsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"job_id": {"type": "string", "minLength": 1, "maxLength": 64},
			"after_seq": {"type": "integer", "minimum": 0},
			"limit": {"type": "integer", "minimum": 1, "maximum": 1000}
		},
		"required": ["job_id"],
		"additionalProperties": false
	}`)
}

func (t *logsTool) Execute(ctx context.Context, userID string, args json.RawMessage) (any, error) {
	var a struct {
		JobID    string `json:"job_id"`
		AfterSeq int64  `json:"after_seq"`
		Limit    int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if _, err := owned(t.runner, a.JobID, userID); err != nil {
		return nil, err
	}
	rows, err := t.runner.Logs(ctx, a.JobID, a.AfterSeq, a.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"job_id": a.JobID, "rows": rows}, nil
}

type artifactsTool struct{ runner *runner.Runner }

func (t *artifactsTool) Name() string            { return "runner.artifacts" }
func (t *artifactsTool) Description() string     { return "List artifacts a finished job produced." }
func (t *artifactsTool) Kind() tools.Kind        { return tools.KindRead }
func (t *artifactsTool) Schema() json.RawMessage { return json.RawMessage(jobIDSchema) }

func (t *artifactsTool) Execute(ctx context.Context, userID string, args json.RawMessage) (any, error) {
	var a jobIDArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if _, err := owned(t.runner, a.JobID, userID); err != nil {
		return nil, err
	}
	artifacts, err := t.runner.Artifacts(a.JobID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"job_id": a.JobID, "artifacts": artifacts}, nil
}
