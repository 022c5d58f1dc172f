package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"featurebot/internal"

	gh "github.com/google/go-github/v57/github"
	"github.com/rs/zerolog"
)

// Check run conclusions.
const (
	ConclusionSuccess = "success"
	ConclusionNeutral = "neutral"
	ConclusionFailure = "failure"
)

// maxSummary is the GitHub limit for check run output fields.
const maxSummary = 65535

// Run is the per-event report. Finish is called exactly once.
type Run interface {
	Logf(format string, args ...interface{})
	Transcript() []string
	Finish(ctx context.Context, conclusion, title string) error
}

// Reporter opens a Run for an event.
type Reporter interface {
	Begin(ctx context.Context, ev *CheckRunEvent) (Run, error)
}

// ChecksClient is the part of the go-github checks service used for reports.
type ChecksClient interface {
	CreateCheckRun(ctx context.Context, owner, repo string, opts gh.CreateCheckRunOptions) (*gh.CheckRun, *gh.Response, error)
	UpdateCheckRun(ctx context.Context, owner, repo string, checkRunID int64, opts gh.UpdateCheckRunOptions) (*gh.CheckRun, *gh.Response, error)
}

type transcript struct {
	mu    sync.Mutex
	lines []string
	log   *zerolog.Logger
}

func (t *transcript) Logf(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	t.mu.Lock()
	t.lines = append(t.lines, line)
	t.mu.Unlock()
	if t.log != nil {
		t.log.Info().Msg(line)
	}
}

func (t *transcript) Transcript() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

// LogReporter reports through the logger only.
type LogReporter struct {
	Log *zerolog.Logger
}

type logRun struct {
	*transcript
	finished bool
}

func (r LogReporter) Begin(ctx context.Context, ev *CheckRunEvent) (Run, error) {
	log := r.Log
	if log == nil {
		log = internal.NewLogger("policy")
	}
	child := log.With().Str("repository", ev.Repository.FullName).Str("head_sha", ev.CheckRun.HeadSHA).Logger()
	return &logRun{transcript: &transcript{log: &child}}, nil
}

func (r *logRun) Finish(ctx context.Context, conclusion, title string) error {
	if r.finished {
		return nil
	}
	r.finished = true
	r.log.Info().Str("conclusion", conclusion).Msg(title)
	return nil
}

// CheckRunReporter reports as a GitHub check run on the event's head sha.
type CheckRunReporter struct {
	Client ChecksClient
	Name   string
	Log    *zerolog.Logger
	Now    func() time.Time
}

type checkRunRun struct {
	*transcript
	reporter CheckRunReporter
	owner    string
	repo     string
	id       int64
	finished bool
}

func (r CheckRunReporter) Begin(ctx context.Context, ev *CheckRunEvent) (Run, error) {
	log := r.Log
	if log == nil {
		log = internal.NewLogger("policy")
	}
	child := log.With().Str("repository", ev.Repository.FullName).Str("head_sha", ev.CheckRun.HeadSHA).Logger()
	created, _, err := r.Client.CreateCheckRun(ctx, ev.Repository.Owner, ev.Repository.Name, gh.CreateCheckRunOptions{
		Name:       r.Name,
		HeadSHA:    ev.CheckRun.HeadSHA,
		ExternalID: gh.String(ev.DeliveryID),
		Status:     gh.String("in_progress"),
		StartedAt:  &gh.Timestamp{Time: r.now()},
	})
	if err != nil {
		return nil, fmt.Errorf("create check run: %w", err)
	}
	return &checkRunRun{
		transcript: &transcript{log: &child},
		reporter:   r,
		owner:      ev.Repository.Owner,
		repo:       ev.Repository.Name,
		id:         created.GetID(),
	}, nil
}

func (r *checkRunRun) Finish(ctx context.Context, conclusion, title string) error {
	if r.finished {
		return nil
	}
	r.finished = true
	summary := strings.Join(r.Transcript(), "\n")
	if len(summary) > maxSummary {
		summary = summary[:maxSummary]
	}
	_, _, err := r.reporter.Client.UpdateCheckRun(ctx, r.owner, r.repo, r.id, gh.UpdateCheckRunOptions{
		Name:        r.reporter.Name,
		Status:      gh.String("completed"),
		Conclusion:  gh.String(conclusion),
		CompletedAt: &gh.Timestamp{Time: r.reporter.now()},
		Output: &gh.CheckRunOutput{
			Title:   gh.String(title),
			Summary: gh.String(summary),
		},
	})
	if err != nil {
		return fmt.Errorf("update check run %d: %w", r.id, err)
	}
	return nil
}

func (r CheckRunReporter) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
