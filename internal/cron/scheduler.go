// Package cron schedules recurring synthetic prompts. Jobs persist across
// restarts in cron_jobs.json; firing injects work into the "cron" lane so a
// scheduled task can never preempt the user's live turn.
package cron

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	cronv3 "github.com/robfig/cron/v3"
	"github.com/google/uuid"

	"github.com/haasonsaas/aided/pkg/models"
)

// Lane is the queue lane scheduled prompts are injected into.
const Lane = "cron"

// FileName is the persistence file under the state dir.
const FileName = "cron_jobs.json"

const fileVersion = 1

var cronParser = cronv3.NewParser(
	cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor,
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// JobRecord is one persisted scheduled job.
type JobRecord struct {
	ID        string     `json:"id"`
	Alias     string     `json:"alias"`
	CronExpr  string     `json:"cronExpr"`
	Prompt    string     `json:"prompt"`
	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"createdAt"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
}

// JobInfo is a listing entry: the record plus its computed next run.
type JobInfo struct {
	JobRecord
	NextRun *time.Time `json:"nextRun,omitempty"`
}

type jobsFile struct {
	Version int          `json:"version"`
	Jobs    []*JobRecord `json:"jobs"`
}

// PromptSink receives synthetic prompts when jobs fire.
type PromptSink interface {
	InjectPrompt(lane, content string)
}

// Broadcaster delivers log telemetry to connected clients.
type Broadcaster interface {
	Broadcast(env *models.Envelope)
}

type job struct {
	record   *JobRecord
	schedule cronv3.Schedule
	timer    *time.Timer
}

// Scheduler owns the live timers and the persisted job set.
type Scheduler struct {
	mu        sync.Mutex
	jobs      map[string]*job
	path      string
	sink      PromptSink
	transport Broadcaster
	logger    *slog.Logger
	stopped   bool
}

// NewScheduler creates a scheduler persisting to stateDir/cron_jobs.json.
func NewScheduler(stateDir string, sink PromptSink, transport Broadcaster, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:      make(map[string]*job),
		path:      filepath.Join(stateDir, FileName),
		sink:      sink,
		transport: transport,
		logger:    logger,
	}
}

// Init loads the persisted jobs and re-arms every enabled record. A missing
// file is treated as an empty job set.
func (s *Scheduler) Init() error {
	records, err := s.load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = false
	for _, record := range records {
		schedule, err := cronParser.Parse(record.CronExpr)
		if err != nil {
			s.logger.Error("skipping persisted job with bad expression",
				"job_id", record.ID, "expr", record.CronExpr, "error", err)
			continue
		}
		j := &job{record: record, schedule: schedule}
		s.jobs[record.ID] = j
		if record.Enabled {
			s.armLocked(j)
		}
	}
	return nil
}

// ScheduleTask validates the expression, persists the record, and arms its
// timer. existingID reuses an id (used by re-scheduling flows); empty
// generates one.
func (s *Scheduler) ScheduleTask(cronExpr, prompt, alias, existingID string) (string, error) {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return "", fmt.Errorf("Invalid cron expression: %s", cronExpr)
	}

	if alias == "" {
		alias = DeriveAlias(prompt)
	}
	id := existingID
	if id == "" {
		id = uuid.New().String()
	}

	record := &JobRecord{
		ID:        id,
		Alias:     alias,
		CronExpr:  cronExpr,
		Prompt:    prompt,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	if existing, ok := s.jobs[id]; ok && existing.timer != nil {
		existing.timer.Stop()
	}
	j := &job{record: record, schedule: schedule}
	s.jobs[id] = j
	s.armLocked(j)
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		s.logger.Error("failed to persist cron jobs", "error", err)
	}
	return id, nil
}

// DeriveAlias builds the default alias from a prompt: first 40 chars,
// lowercased, whitespace collapsed to dashes.
func DeriveAlias(prompt string) string {
	alias := prompt
	if len(alias) > 40 {
		alias = alias[:40]
	}
	alias = strings.ToLower(strings.TrimSpace(alias))
	return whitespaceRun.ReplaceAllString(alias, "-")
}

// ListScheduledTasks returns every record with its next run time.
func (s *Scheduler) ListScheduledTasks() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := JobInfo{JobRecord: *j.record}
		if j.record.Enabled {
			next := j.schedule.Next(now)
			info.NextRun = &next
		}
		out = append(out, info)
	}
	return out
}

// DeleteTask removes a job by id, falling back to alias match. It reports
// whether anything was removed; a miss mutates nothing.
func (s *Scheduler) DeleteTask(idOrAlias string) bool {
	s.mu.Lock()
	target, ok := s.jobs[idOrAlias]
	if !ok {
		for _, j := range s.jobs {
			if j.record.Alias == idOrAlias {
				target = j
				ok = true
				break
			}
		}
	}
	if !ok {
		s.mu.Unlock()
		return false
	}
	if target.timer != nil {
		target.timer.Stop()
	}
	delete(s.jobs, target.record.ID)
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		s.logger.Error("failed to persist cron jobs after delete", "error", err)
	}
	return true
}

// StopAll stops every live timer. Records stay on disk.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for _, j := range s.jobs {
		if j.timer != nil {
			j.timer.Stop()
			j.timer = nil
		}
	}
}

// armLocked schedules the next firing. Callers hold s.mu.
func (s *Scheduler) armLocked(j *job) {
	if s.stopped {
		return
	}
	next := j.schedule.Next(time.Now())
	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}
	id := j.record.ID
	j.timer = time.AfterFunc(delay, func() { s.fire(id) })
}

// fire runs one job occurrence: record lastRunAt and re-arm the timer,
// persist the job set, broadcast a log frame, then inject the synthetic
// prompt.
func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || s.stopped || !j.record.Enabled {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	j.record.LastRunAt = &now
	alias := j.record.Alias
	prompt := j.record.Prompt
	s.armLocked(j)
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		s.logger.Error("failed to persist cron run", "job_id", id, "error", err)
	}

	if s.transport != nil {
		s.transport.Broadcast(models.NewEnvelope(models.TypeLog, models.LogPayload{
			Level:   "info",
			Source:  "cron",
			Message: fmt.Sprintf("scheduled task %q fired", alias),
		}))
	}
	s.logger.Info("cron job fired", "job_id", id, "alias", alias)

	if s.sink != nil {
		s.sink.InjectPrompt(Lane, fmt.Sprintf("[SCHEDULED TASK: %s] %s", alias, prompt))
	}
}

func (s *Scheduler) load() ([]*JobRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cron jobs: %w", err)
	}
	var file jobsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse cron jobs: %w", err)
	}
	return file.Jobs, nil
}

// persist writes the job set atomically: temp file in the same directory,
// then rename over the target.
func (s *Scheduler) persist() error {
	s.mu.Lock()
	file := jobsFile{Version: fileVersion, Jobs: make([]*JobRecord, 0, len(s.jobs))}
	for _, j := range s.jobs {
		record := *j.record
		file.Jobs = append(file.Jobs, &record)
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cron jobs: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, FileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write cron jobs: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace cron jobs: %w", err)
	}
	return nil
}
