// Package runner executes untrusted code as sandboxed jobs: it materializes
// a workspace, spawns an isolated process, multiplexes its output into
// persisted log rows and live subscribers, enforces a hard kill timeout,
// and finalizes job status.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/crucible/internal/logstore"
	"github.com/haasonsaas/crucible/internal/observability"
	"github.com/haasonsaas/crucible/internal/runner/backend"
	"github.com/haasonsaas/crucible/pkg/models"
)

var (
	// ErrNotFound means no job with that id exists.
	ErrNotFound = errors.New("job not found")
	// ErrNotRunning means a kill was requested for a job already in a
	// terminal state.
	ErrNotRunning = errors.New("not_running")
)

// Config configures the runner.
type Config struct {
	// HardTimeoutSeconds caps every job's wall-clock budget regardless of
	// what the caller asked for.
	HardTimeoutSeconds int

	// DefaultMaxSeconds applies when a spawn request carries no budget.
	DefaultMaxSeconds int

	// DefaultMaxOutputBytes is the cumulative output budget per job.
	DefaultMaxOutputBytes int64

	// ChunkCapBytes caps each persisted log row's chunk.
	ChunkCapBytes int

	// MemoryLimitBytes, PidsLimit, and OpenFilesLimit are passed to the
	// isolation backend.
	MemoryLimitBytes int64
	PidsLimit        int
	OpenFilesLimit   int

	// ScratchLimitBytes caps the bytes a job may write into its scratch
	// area. The output-byte budget covers streams only; this covers files.
	ScratchLimitBytes int64

	// ArtifactExtensions is the allow-list for artifact listing.
	ArtifactExtensions []string

	// SubscriberBuffer is each live subscriber's event buffer; a full
	// buffer drops events rather than throttling the job.
	SubscriberBuffer int

	// SubscriberMaxLifetime force-closes a subscription regardless of job
	// status, so a stalled peer cannot hold resources forever.
	SubscriberMaxLifetime time.Duration
}

func (c *Config) applyDefaults() {
	if c.HardTimeoutSeconds <= 0 {
		c.HardTimeoutSeconds = 300
	}
	if c.DefaultMaxSeconds <= 0 {
		c.DefaultMaxSeconds = 30
	}
	if c.DefaultMaxOutputBytes <= 0 {
		c.DefaultMaxOutputBytes = 1 << 20
	}
	if c.ChunkCapBytes <= 0 {
		c.ChunkCapBytes = 4096
	}
	if c.ScratchLimitBytes <= 0 {
		c.ScratchLimitBytes = 64 << 20
	}
	if len(c.ArtifactExtensions) == 0 {
		c.ArtifactExtensions = []string{".txt", ".json", ".csv", ".png", ".svg", ".md"}
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 256
	}
	if c.SubscriberMaxLifetime <= 0 {
		c.SubscriberMaxLifetime = 15 * time.Minute
	}
}

// SpawnRequest describes one job to run.
type SpawnRequest struct {
	UserID         string
	Cmd            string
	Lang           string
	MaxSeconds     int
	MaxOutputBytes int64
}

// Runner owns every job's lifecycle from spawn to terminal state. It is
// constructed once at process start and shared by reference.
type Runner struct {
	config     Config
	backend    backend.Backend
	logs       logstore.Store
	workspaces Materializer
	metrics    *observability.Metrics
	logger     *slog.Logger

	mu   sync.Mutex
	live map[string]*job
	// done holds terminal jobs for status and artifact queries; the
	// maintenance sweeper prunes it.
	done map[string]*job
}

// New creates a runner.
func New(config Config, be backend.Backend, logs logstore.Store, workspaces Materializer, metrics *observability.Metrics, logger *slog.Logger) *Runner {
	config.applyDefaults()
	if workspaces == nil {
		workspaces = EmptyMaterializer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		config:     config,
		backend:    be,
		logs:       logs,
		workspaces: workspaces,
		metrics:    metrics,
		logger:     logger,
		live:       make(map[string]*job),
		done:       make(map[string]*job),
	}
}

// job is the runner's private view of one execution. The run goroutine is
// the only writer of log rows; every other field mutation happens under mu.
type job struct {
	mu    sync.Mutex
	model models.Job

	events    chan models.JobEvent
	subs      map[int]*subscriber
	nextSubID int

	seq         int64
	outputBytes int64
	truncated   bool

	proc backend.Process
	// killedAs, when set, is the terminal status a timeout or kill
	// requested; finalization honors it over the exit code.
	killedAs models.JobStatus
	// scratchExceeded marks a forced failure for overrunning the scratch
	// byte cap, so finalization can say why.
	scratchExceeded bool

	// release, when set, returns the guard slot this job occupies. The
	// slot stays held for the job's whole life so per-user concurrency
	// counts running jobs and the breaker samples job outcomes.
	release func(ok bool)

	workspaceDir string
	artifactDir  string
	cleanup      func()
}

type subscriber struct {
	live chan models.JobEvent
}

// Spawn registers a job and starts it asynchronously. The returned snapshot
// has status queued; the job transitions on its own goroutine.
func (r *Runner) Spawn(ctx context.Context, req SpawnRequest) (models.Job, error) {
	if strings.TrimSpace(req.Cmd) == "" {
		return models.Job{}, fmt.Errorf("cmd is required")
	}
	if strings.TrimSpace(req.Lang) == "" {
		return models.Job{}, fmt.Errorf("lang is required")
	}
	if strings.Contains(req.Cmd, "/") || strings.Contains(req.Cmd, "..") {
		return models.Job{}, fmt.Errorf("cmd must be a bare filename")
	}

	maxSeconds := req.MaxSeconds
	if maxSeconds <= 0 {
		maxSeconds = r.config.DefaultMaxSeconds
	}
	if maxSeconds > r.config.HardTimeoutSeconds {
		maxSeconds = r.config.HardTimeoutSeconds
	}
	maxOutput := req.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = r.config.DefaultMaxOutputBytes
	}

	j := &job{
		model: models.Job{
			ID:             uuid.New().String(),
			UserID:         req.UserID,
			Cmd:            req.Cmd,
			Lang:           req.Lang,
			Status:         models.JobQueued,
			MaxSeconds:     maxSeconds,
			MaxOutputBytes: maxOutput,
			CreatedAt:      time.Now().UTC(),
		},
		events: make(chan models.JobEvent, 64),
		subs:   make(map[int]*subscriber),
	}

	// Adopt the caller's guard slot, if any. From here finish() always
	// runs, so the release cannot leak.
	if slot := observability.ExecSlotFrom(ctx); slot != nil {
		j.release = slot.Claim()
	}

	r.mu.Lock()
	r.live[j.model.ID] = j
	r.mu.Unlock()

	go r.run(context.WithoutCancel(ctx), j)
	return j.snapshot(), nil
}

// run drives one job from queued to a terminal state. It owns the events
// channel close and is the single producer of the terminal status.
func (r *Runner) run(ctx context.Context, j *job) {
	ctx = observability.WithJobID(ctx, j.model.ID)
	consumerDone := make(chan struct{})
	go r.consume(j, consumerDone)

	finish := func(status models.JobStatus, exitCode int) {
		j.mu.Lock()
		j.model.Status = status
		j.model.ExitCode = exitCode
		j.model.FinishedAt = time.Now().UTC()
		j.mu.Unlock()

		j.events <- models.JobEvent{
			Type:      models.EventStatus,
			Timestamp: time.Now().UTC(),
			Status:    status,
			ExitCode:  exitCode,
		}
		close(j.events)
		<-consumerDone

		r.mu.Lock()
		delete(r.live, j.model.ID)
		r.done[j.model.ID] = j
		r.mu.Unlock()

		// The guard slot spans the job's whole life. A kill is operator
		// intent, not service degradation, so it does not feed the
		// breaker as a failure.
		if j.release != nil {
			j.release(status == models.JobDone || status == models.JobKilled)
		}

		if r.metrics != nil {
			r.metrics.JobsByStatus.WithLabelValues(string(status)).Inc()
			if !j.model.StartedAt.IsZero() {
				r.metrics.ActiveJobs.Dec()
				r.metrics.JobDuration.WithLabelValues(j.model.Lang).Observe(j.model.FinishedAt.Sub(j.model.StartedAt).Seconds())
			}
		}
		r.logger.InfoContext(ctx, "job finished",
			"job_id", j.model.ID,
			"status", string(status),
			"exit_code", exitCode,
		)
	}

	dir, cleanup, err := r.workspaces.Materialize(ctx, j.model.UserID, j.model.ID)
	if err != nil {
		j.events <- sysEvent("workspace error: " + err.Error())
		finish(models.JobFailed, -1)
		return
	}
	j.cleanup = cleanup
	j.workspaceDir = dir
	j.artifactDir = filepath.Join(dir, "artifacts")

	// A kill can land while the job is still queued.
	j.mu.Lock()
	if j.killedAs != "" {
		status := j.killedAs
		j.mu.Unlock()
		finish(status, -1)
		return
	}
	j.mu.Unlock()

	proc, err := r.backend.Start(ctx, backend.Spec{
		JobID:            j.model.ID,
		WorkspaceDir:     j.workspaceDir,
		ScratchDir:       j.artifactDir,
		Cmd:              j.model.Cmd,
		Lang:             j.model.Lang,
		MemoryLimitBytes: r.config.MemoryLimitBytes,
		PidsLimit:        r.config.PidsLimit,
		OpenFilesLimit:   r.config.OpenFilesLimit,
	})
	if err != nil {
		j.events <- sysEvent("spawn error: " + err.Error())
		finish(models.JobFailed, -1)
		return
	}

	j.mu.Lock()
	j.proc = proc
	j.model.Status = models.JobRunning
	j.model.StartedAt = time.Now().UTC()
	killed := j.killedAs != ""
	j.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveJobs.Inc()
	}
	if killed {
		_ = proc.Kill()
	}

	timer := time.AfterFunc(time.Duration(j.model.MaxSeconds)*time.Second, func() {
		j.mu.Lock()
		if j.killedAs == "" && !j.model.Status.Terminal() {
			j.killedAs = models.JobTimeout
		}
		proc := j.proc
		j.mu.Unlock()
		if proc != nil {
			_ = proc.Kill()
		}
	})
	defer timer.Stop()

	watcherStop := make(chan struct{})
	go r.watchScratch(j, watcherStop)

	var readers sync.WaitGroup
	readers.Add(2)
	go r.pump(j, models.EventStdout, proc.Stdout(), &readers)
	go r.pump(j, models.EventStderr, proc.Stderr(), &readers)

	exitCode, waitErr := proc.Wait()
	timer.Stop()
	close(watcherStop)
	readers.Wait()

	j.mu.Lock()
	forced := j.killedAs
	overScratch := j.scratchExceeded
	j.mu.Unlock()

	switch {
	case forced != "":
		if forced == models.JobTimeout {
			j.events <- sysEvent(fmt.Sprintf("job exceeded %ds budget", j.model.MaxSeconds))
		}
		if overScratch {
			j.events <- sysEvent(fmt.Sprintf("job exceeded %d byte scratch limit", r.config.ScratchLimitBytes))
		}
		finish(forced, exitCode)
	case waitErr != nil:
		j.events <- sysEvent("wait error: " + waitErr.Error())
		finish(models.JobFailed, -1)
	case exitCode == 0:
		finish(models.JobDone, 0)
	default:
		finish(models.JobFailed, exitCode)
	}
}

// watchScratch polls the job's scratch directory while the process runs and
// kills the job once its files overrun the byte cap. The scratch area is a
// host directory in every backend, so enforcement lives here instead of in
// per-backend mount options, which cannot cap a bind mount.
func (r *Runner) watchScratch(j *job, stop chan struct{}) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if dirSize(j.artifactDir) <= r.config.ScratchLimitBytes {
			continue
		}
		j.mu.Lock()
		if j.killedAs == "" && !j.model.Status.Terminal() {
			j.killedAs = models.JobFailed
			j.scratchExceeded = true
		}
		proc := j.proc
		j.mu.Unlock()
		if proc != nil {
			_ = proc.Kill()
		}
		return
	}
}

// dirSize sums regular-file sizes under dir. A missing dir counts as zero.
func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// pump reads one output stream in chunks and feeds the job's event channel.
func (r *Runner) pump(j *job, stream models.JobEventType, src io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, r.config.ChunkCapBytes)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			j.events <- models.JobEvent{
				Type:      stream,
				Timestamp: time.Now().UTC(),
				Payload:   string(buf[:n]),
			}
		}
		if err != nil {
			return
		}
	}
}

// consume is the single consumer of a job's event channel: it applies the
// output byte budget, persists log rows, and fans out to subscribers. Being
// the only writer makes the per-job log ordering structural.
func (r *Runner) consume(j *job, done chan struct{}) {
	defer close(done)
	for ev := range j.events {
		if ev.Type == models.EventStatus {
			// Terminal; subscribers learn the status from their own
			// closing path so a full buffer cannot lose it.
			j.mu.Lock()
			for id, sub := range j.subs {
				close(sub.live)
				delete(j.subs, id)
			}
			j.mu.Unlock()
			continue
		}

		var notice string
		if ev.Type == models.EventStdout || ev.Type == models.EventStderr {
			ev, notice = applyBudget(j, ev)
			if notice != "" && r.metrics != nil {
				r.metrics.JobOutputTruncated.Inc()
			}
		}
		if ev.Payload != "" {
			r.deliver(j, ev)
		}
		if notice != "" {
			r.deliver(j, sysEvent(notice))
		}
	}
}

// deliver persists one event as a log row and fans it out to live
// subscribers. Only the consumer goroutine calls this.
func (r *Runner) deliver(j *job, ev models.JobEvent) {
	j.mu.Lock()
	j.seq++
	row := models.LogRow{
		JobID:     j.model.ID,
		Seq:       j.seq,
		Timestamp: ev.Timestamp,
		Stream:    streamFor(ev.Type),
		Chunk:     ev.Payload,
	}
	if err := r.logs.Append(context.Background(), row); err != nil {
		r.logger.Error("log row append failed", "job_id", j.model.ID, "error", err)
	}
	for _, sub := range j.subs {
		select {
		case sub.live <- ev:
		default:
			// Slow subscriber; drop rather than throttle the job.
		}
	}
	j.mu.Unlock()

	if r.metrics != nil {
		r.metrics.JobOutputBytes.WithLabelValues(string(row.Stream)).Add(float64(len(ev.Payload)))
	}
}

// applyBudget charges a chunk against the job's output budget. The chunk
// that crosses the budget is cut at the boundary; everything after it is
// dropped, and exactly one truncation notice is returned.
func applyBudget(j *job, ev models.JobEvent) (models.JobEvent, string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.truncated {
		ev.Payload = ""
		return ev, ""
	}
	remaining := j.model.MaxOutputBytes - j.outputBytes
	if int64(len(ev.Payload)) <= remaining {
		j.outputBytes += int64(len(ev.Payload))
		return ev, ""
	}

	j.truncated = true
	j.outputBytes = j.model.MaxOutputBytes
	ev.Payload = ev.Payload[:remaining]
	return ev, "output truncated: byte budget exhausted"
}

func sysEvent(msg string) models.JobEvent {
	return models.JobEvent{Type: models.EventSys, Timestamp: time.Now().UTC(), Payload: msg}
}

func streamFor(t models.JobEventType) models.LogStream {
	switch t {
	case models.EventStdout:
		return models.StreamStdout
	case models.EventStderr:
		return models.StreamStderr
	default:
		return models.StreamSys
	}
}

func (j *job) snapshot() models.Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.model
}

// Get returns a job's current snapshot. Callers enforce ownership at the
// boundary using the snapshot's UserID.
func (r *Runner) Get(jobID string) (models.Job, error) {
	j, err := r.find(jobID)
	if err != nil {
		return models.Job{}, err
	}
	return j.snapshot(), nil
}

func (r *Runner) find(jobID string) (*job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.live[jobID]; ok {
		return j, nil
	}
	if j, ok := r.done[jobID]; ok {
		return j, nil
	}
	return nil, ErrNotFound
}

// Kill forcibly terminates a queued or running job. Killing a terminal job
// is a no-op reported as ErrNotRunning.
func (r *Runner) Kill(jobID string) error {
	j, err := r.find(jobID)
	if err != nil {
		return err
	}

	j.mu.Lock()
	if j.model.Status.Terminal() || j.killedAs != "" {
		j.mu.Unlock()
		return ErrNotRunning
	}
	j.killedAs = models.JobKilled
	proc := j.proc
	j.mu.Unlock()

	if proc != nil {
		_ = proc.Kill()
	}
	return nil
}

// Logs returns persisted log rows for a job.
func (r *Runner) Logs(ctx context.Context, jobID string, afterSeq int64, limit int) ([]models.LogRow, error) {
	if _, err := r.find(jobID); err != nil {
		return nil, err
	}
	return r.logs.List(ctx, jobID, afterSeq, limit)
}

// Artifacts lists files the job wrote into its artifact directory, filtered
// to the extension allow-list. Metadata only; content is never streamed.
func (r *Runner) Artifacts(jobID string) ([]models.Artifact, error) {
	j, err := r.find(jobID)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	dir := j.artifactDir
	terminal := j.model.Status.Terminal()
	j.mu.Unlock()
	if !terminal {
		return nil, fmt.Errorf("job %s has not finished", jobID)
	}
	if dir == "" {
		return nil, nil
	}

	allowed := make(map[string]bool, len(r.config.ArtifactExtensions))
	for _, ext := range r.config.ArtifactExtensions {
		allowed[strings.ToLower(ext)] = true
	}

	var artifacts []models.Artifact
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if !allowed[ext] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		artifacts = append(artifacts, models.Artifact{
			Path:      filepath.ToSlash(rel),
			Size:      info.Size(),
			Extension: ext,
		})
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	sort.Slice(artifacts, func(i, k int) bool { return artifacts[i].Path < artifacts[k].Path })
	return artifacts, nil
}

// Shutdown kills every live job and waits for each to reach a terminal
// state, bounded by ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.Kill(id)
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		r.mu.Lock()
		remaining := len(r.live)
		r.mu.Unlock()
		if remaining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Prune drops terminal job records older than the retention window and
// removes their workspaces, so the done map cannot grow without bound.
// Workspaces stay on disk until then so artifact listings keep working.
// Log rows are pruned separately by the log store.
func (r *Runner) Prune(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	r.mu.Lock()
	var pruned []*job
	for id, j := range r.done {
		if j.snapshot().FinishedAt.Before(cutoff) {
			delete(r.done, id)
			pruned = append(pruned, j)
		}
	}
	r.mu.Unlock()

	for _, j := range pruned {
		if j.cleanup != nil {
			j.cleanup()
		}
	}
	return len(pruned)
}
