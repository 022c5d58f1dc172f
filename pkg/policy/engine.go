package policy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"featurebot/internal"
	"featurebot/pkg/ci"
	"featurebot/pkg/feature"
	"featurebot/pkg/gitremote"
	"featurebot/pkg/prune"
	"featurebot/pkg/repoconfig"
	"featurebot/pkg/storage"

	"github.com/rs/zerolog"
)

// State is the lifecycle position of an event.
type State string

const (
	StateReceived   State = "received"
	StateClassified State = "classified"
	StateDone       State = "done"
)

// Outcome summarises what Handle did.
type Outcome struct {
	Action      Action
	State       State
	Ignored     string
	CommitSHA   string
	PullRequest int
	Pruned      []string
	Redundant   []int
	Closed      []int
	Diff        string
	Transcript  []string
}

// Clients are the per-event remote clients.
type Clients struct {
	Store gitremote.Store
	CI    ci.Provider
	// Checks reports the run as a check run when set.
	Checks ChecksClient
}

// ClientSource builds clients for the event's repository.
type ClientSource interface {
	Clients(ctx context.Context, ev *CheckRunEvent) (*Clients, error)
}

// StaticClients always returns the same clients.
type StaticClients Clients

func (s StaticClients) Clients(ctx context.Context, ev *CheckRunEvent) (*Clients, error) {
	c := Clients(s)
	return &c, nil
}

// Engine runs the lifecycle policy for check run events.
type Engine struct {
	Clients        ClientSource
	Loader         repoconfig.Loader
	Author         gitremote.Signature
	CheckRunName   string
	ReportCheckRun bool
	BranchPrefix   string
	ReportIssueURL string
	FinishTimeout  time.Duration
	Runs           storage.RunStore
	Log            *zerolog.Logger
	Now            func() time.Time
}

// NewEngine builds an engine from policy configuration.
func NewEngine(cfg internal.PolicyConfig, clients ClientSource, runs storage.RunStore, log *zerolog.Logger) *Engine {
	if log == nil {
		log = internal.NewLogger("policy")
	}
	return &Engine{
		Clients:        clients,
		Loader:         repoconfig.Loader{Path: cfg.ConfigFile},
		Author:         gitremote.Signature{Name: cfg.BotName, Email: cfg.BotEmail},
		CheckRunName:   cfg.CheckRunName,
		ReportCheckRun: cfg.ReportCheckRun,
		BranchPrefix:   cfg.BranchPrefix,
		ReportIssueURL: cfg.ReportIssueURL,
		FinishTimeout:  time.Duration(cfg.FinishTimeout) * time.Millisecond,
		Runs:           runs,
		Log:            log,
	}
}

// Options alter Handle for operator-triggered runs.
type Options struct {
	// PruneOnly evaluates the prune action alone and accepts any merge
	// commit regardless of the check suite branch.
	PruneOnly bool
	// Force skips the CI guard.
	Force bool
	// DryRun resolves and renders the pruning diff without writing.
	DryRun bool
	// Clients overrides the engine's client source for this event.
	Clients *Clients
}

// Handle processes one check run event. It is safe to call again for the
// same event: merges and closes that already happened are tolerated and a
// second prune finds nothing left to remove.
func (e *Engine) Handle(ctx context.Context, ev *CheckRunEvent) (Outcome, error) {
	return e.HandleWithOptions(ctx, ev, Options{})
}

func (e *Engine) HandleWithOptions(ctx context.Context, ev *CheckRunEvent, opts Options) (out Outcome, err error) {
	out = Outcome{Action: ActionNone, State: StateReceived}
	if ev.Action != "completed" {
		out.State = StateDone
		out.Ignored = "action " + ev.Action
		return out, nil
	}
	if ev.CheckRun.Name != "" && ev.CheckRun.Name == e.checkRunName() {
		out.State = StateDone
		out.Ignored = "own check run"
		return out, nil
	}

	clients := opts.Clients
	if clients == nil {
		if e.Clients == nil {
			return out, fmt.Errorf("no clients for %s", ev.Repository.FullName)
		}
		clients, err = e.Clients.Clients(ctx, ev)
		if err != nil {
			return out, fmt.Errorf("build clients for %s: %w", ev.Repository.FullName, err)
		}
	}

	run := e.begin(ctx, ev, clients, opts)
	defer func() {
		out.Transcript = run.Transcript()
		e.finish(ctx, ev, run, &out, err)
	}()
	run.Logf("Responding to check_run.%s for %s (check run %q)", ev.Action, ev.CheckRun.HeadSHA, ev.CheckRun.Name)

	defaultBranch := ev.Repository.DefaultBranch
	if defaultBranch == "" {
		defaultBranch, err = clients.Store.DefaultBranch(ctx)
		if err != nil {
			return out, fmt.Errorf("resolve default branch: %w", err)
		}
	}
	if defaultBranch == "" {
		defaultBranch = "master"
	}
	cfg, err := e.Loader.Load(ctx, clients.Store, defaultBranch)
	if err != nil {
		return out, err
	}
	base := cfg.BaseBranch
	if base == "" {
		base = defaultBranch
	}
	relation, err := cfg.Relation()
	if err != nil {
		return out, err
	}

	f := &facts{
		ev:         ev,
		cfg:        cfg,
		clients:    clients,
		base:       base,
		classifier: cfg.Classifier(),
		manual:     opts.PruneOnly,
	}
	skip := map[string]bool{}
	if opts.Force {
		skip[ciPassed.name] = true
	}

	chosen := ActionNone
	for _, p := range plans {
		if opts.PruneOnly && p.action != ActionPrune {
			continue
		}
		ok, err := p.eligible(ctx, f, run, skip)
		if err != nil {
			return out, err
		}
		if ok {
			chosen = p.action
			break
		}
	}
	out.Action = chosen
	out.State = StateClassified
	if build, err := f.Build(ctx); err == nil && !opts.PruneOnly {
		run.Logf("Build %s on branch %s: %s", build.ID, build.Branch.Name, build.State)
	}

	switch chosen {
	case ActionPrune:
		err = e.prune(ctx, f, relation, run, &out, opts)
	case ActionMerge:
		err = e.merge(ctx, f, run, &out)
	case ActionClose:
		err = e.close(ctx, f, run, &out)
	default:
		run.Logf("No action taken")
	}
	if err != nil {
		return out, err
	}
	out.State = StateDone
	return out, nil
}

func (e *Engine) merge(ctx context.Context, f *facts, run Run, out *Outcome) error {
	build, err := f.Build(ctx)
	if err != nil {
		return err
	}
	number := build.PullRequestNumber
	out.PullRequest = number
	if err := f.clients.Store.MergePullRequest(ctx, number, ""); err != nil {
		if !errors.Is(err, gitremote.ErrActionConflict) {
			return fmt.Errorf("merge #%d: %w", number, err)
		}
		run.Logf("Pull request #%d was already merged or closed", number)
	} else {
		run.Logf("Merged pull request #%d", number)
	}
	return e.closePullRequest(ctx, f.clients.Store, run, number)
}

func (e *Engine) close(ctx context.Context, f *facts, run Run, out *Outcome) error {
	build, err := f.Build(ctx)
	if err != nil {
		return err
	}
	number := build.PullRequestNumber
	out.PullRequest = number
	message := fmt.Sprintf("This feature proposal did not pass validation (build %s) and is being closed.", build.ID)
	if err := f.clients.Store.CreateComment(ctx, number, e.comment(f.ev, message)); err != nil {
		return fmt.Errorf("comment on #%d: %w", number, err)
	}
	if err := e.closePullRequest(ctx, f.clients.Store, run, number); err != nil {
		return err
	}
	out.Closed = append(out.Closed, number)
	return nil
}

func (e *Engine) closePullRequest(ctx context.Context, store gitremote.Store, run Run, number int) error {
	err := store.UpdatePullRequestState(ctx, number, gitremote.StateClosed)
	switch {
	case err == nil:
		run.Logf("Closed pull request #%d", number)
		return nil
	case errors.Is(err, gitremote.ErrActionConflict):
		run.Logf("Pull request #%d is already closed", number)
		return nil
	default:
		return fmt.Errorf("close #%d: %w", number, err)
	}
}

func (e *Engine) prune(ctx context.Context, f *facts, relation feature.Relation, run Run, out *Outcome, opts Options) error {
	store := f.clients.Store
	merge, err := f.HeadCommit(ctx)
	if err != nil {
		return err
	}
	cmp, err := store.CompareCommits(ctx, merge.Parents[0], merge.SHA)
	if err != nil {
		return &prune.RedundancyError{Op: "compare merge with first parent", Err: err}
	}
	accepted, err := f.classifier.Classify(cmp.Files)
	if err != nil {
		run.Logf("Not pruning because the merge does not accept a single feature: %v", err)
		return nil
	}
	run.Logf("Accepted feature: %s", accepted.Path)

	acceptedNumber := 0
	if pulls, err := store.PullRequestsForCommit(ctx, merge.SHA); err != nil {
		run.Logf("Could not find the pull request of %s: %v", gitremote.ShortSHA(merge.SHA), err)
	} else {
		for _, pr := range pulls {
			if pr.Merged || acceptedNumber == 0 {
				acceptedNumber = pr.Number
			}
		}
	}

	head, err := store.ResolveRef(ctx, f.base)
	if err != nil {
		return &prune.RedundancyError{Op: "resolve heads/" + f.base, Err: err}
	}
	in, err := prune.Collector{Store: store}.Collect(ctx, prune.Input{
		Accepted:       accepted,
		AcceptedNumber: acceptedNumber,
		BaseBranch:     f.base,
		Classifier:     f.classifier,
		Relation:       relation,
	}, head)
	if err != nil {
		return err
	}
	set := prune.Resolve(in)
	for _, r := range set.Proposals {
		out.Redundant = append(out.Redundant, r.Number)
	}
	if set.Empty() {
		run.Logf("No redundant features found")
		return nil
	}
	run.Logf("Found redundant features:")
	for _, p := range set.Paths {
		run.Logf("  %s", p)
	}
	for _, r := range set.Proposals {
		run.Logf("  #%d %s", r.Number, r.Feature.Path)
	}

	if opts.DryRun {
		out.Pruned = set.Paths
		out.Diff, err = prune.RenderDiff(f.base, in.TreePaths, "pruned", without(in.TreePaths, set.Paths))
		return err
	}

	if len(set.Paths) > 0 {
		synth := prune.Synthesizer{Store: store, Author: e.author(), Now: e.Now, Log: e.logger()}
		commit, err := synth.Synthesize(ctx, f.base, head, set.Paths)
		switch {
		case errors.Is(err, prune.ErrNothingToPrune):
			run.Logf("Redundant files are already gone from %s", f.base)
		case err != nil:
			return err
		default:
			pub, err := prune.Publisher{Store: store, BranchPrefix: e.BranchPrefix}.Publish(ctx, f.base, commit, f.cfg.PruningAction)
			if err != nil {
				return err
			}
			out.CommitSHA = commit.SHA
			out.Pruned = commit.Removed
			if pub.PullRequest != nil {
				out.PullRequest = pub.PullRequest.Number
				run.Logf("Opened pull request #%d removing %d files", pub.PullRequest.Number, len(commit.Removed))
			} else {
				run.Logf("Pushed %s to %s removing %d files", gitremote.ShortSHA(commit.SHA), f.base, len(commit.Removed))
			}
		}
	}

	for _, r := range set.Proposals {
		message := fmt.Sprintf("This proposal adds `%s`, which is redundant now that `%s` was accepted", r.Feature.Path, accepted.Path)
		if acceptedNumber > 0 {
			message += fmt.Sprintf(" in #%d", acceptedNumber)
		}
		if err := store.CreateComment(ctx, r.Number, e.comment(f.ev, message+".")); err != nil {
			return fmt.Errorf("comment on #%d: %w", r.Number, err)
		}
		if err := e.closePullRequest(ctx, store, run, r.Number); err != nil {
			return err
		}
		out.Closed = append(out.Closed, r.Number)
	}
	return nil
}

// comment appends the bot footer to message.
func (e *Engine) comment(ev *CheckRunEvent, message string) string {
	var b strings.Builder
	b.WriteString(message)
	b.WriteString("\n\n---\nBeep beep, I'm ")
	b.WriteString(e.botName())
	b.WriteString(", a bot that manages feature proposals in this repository.")
	if e.ReportIssueURL != "" {
		query := url.Values{}
		query.Set("title", "Bot problem: [short description]")
		query.Set("body", fmt.Sprintf("[detail about problem]\n\n---\neventId: %s", ev.DeliveryID))
		fmt.Fprintf(&b, " [Report a problem](%s?%s).", e.ReportIssueURL, query.Encode())
	}
	return b.String()
}

func (e *Engine) begin(ctx context.Context, ev *CheckRunEvent, clients *Clients, opts Options) Run {
	log := internal.WithRequestID(e.logger(), ev.RequestID)
	if e.ReportCheckRun && clients.Checks != nil && !opts.DryRun {
		run, err := CheckRunReporter{Client: clients.Checks, Name: e.checkRunName(), Log: log, Now: e.Now}.Begin(ctx, ev)
		if err == nil {
			return run
		}
		log.Warn().Err(err).Msg("falling back to log-only report")
	}
	run, _ := LogReporter{Log: log}.Begin(ctx, ev)
	return run
}

// finish closes the run with a context detached from cancellation so the
// report is written even when the event was cancelled.
func (e *Engine) finish(ctx context.Context, ev *CheckRunEvent, run Run, out *Outcome, err error) {
	timeout := e.FinishTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	conclusion := ConclusionSuccess
	title := fmt.Sprintf("%s: %s", e.checkRunName(), out.Action)
	switch {
	case err != nil:
		conclusion = ConclusionFailure
		title = fmt.Sprintf("%s: %s failed", e.checkRunName(), out.Action)
		run.Logf("Error: %v", err)
		out.Transcript = run.Transcript()
		internal.IncActionFailure(string(out.Action))
	case out.Action == ActionNone:
		conclusion = ConclusionNeutral
	}
	internal.IncAction(string(out.Action))

	if ferr := run.Finish(finishCtx, conclusion, title); ferr != nil {
		e.logger().Error().Err(ferr).Str("repository", ev.Repository.FullName).Msg("finish run report")
	}
	if e.Runs == nil {
		return
	}
	record := &storage.RunRecord{
		RequestID:  ev.RequestID,
		DeliveryID: ev.DeliveryID,
		Repository: ev.Repository.FullName,
		HeadSHA:    ev.CheckRun.HeadSHA,
		Event:      "check_run",
		Topic:      ev.Topic,
		Action:     string(out.Action),
		Outcome:    conclusion,
		CommitSHA:  out.CommitSHA,
		Transcript: strings.Join(out.Transcript, "\n"),
		Payload:    ev.Raw,
	}
	if err != nil {
		record.Error = err.Error()
	}
	if rerr := e.Runs.CreateRun(finishCtx, record); rerr != nil {
		e.logger().Error().Err(rerr).Msg("record run")
	}
}

func (e *Engine) logger() *zerolog.Logger {
	if e.Log == nil {
		return internal.NewLogger("policy")
	}
	return e.Log
}

func (e *Engine) checkRunName() string {
	if e.CheckRunName != "" {
		return e.CheckRunName
	}
	return "featurebot"
}

func (e *Engine) author() gitremote.Signature {
	author := e.Author
	if author.Name == "" {
		author.Name = "featurebot"
	}
	if author.Email == "" {
		author.Email = "featurebot@users.noreply.github.com"
	}
	return author
}

func (e *Engine) botName() string {
	if e.Author.Name != "" {
		return e.Author.Name
	}
	return "featurebot"
}

func without(paths, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, p := range remove {
		drop[p] = true
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !drop[p] {
			out = append(out, p)
		}
	}
	return out
}
