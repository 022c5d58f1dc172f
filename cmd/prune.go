package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"featurebot/internal"
	"featurebot/pkg/policy"
	ghprovider "featurebot/pkg/providers/github"

	"github.com/spf13/cobra"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove features made redundant by a merge commit",
	Long: `prune runs the pruning path for one merge commit on the repository's base
branch. The CI guard still applies unless --force is given.`,
	RunE: runPrune,
}

func init() {
	flags := pruneCmd.Flags()
	flags.String("repo", "", "repository as owner/name")
	flags.String("sha", "", "merge commit sha")
	flags.Int64("installation", 0, "GitHub App installation id (App mode only)")
	flags.Bool("dry-run", false, "resolve and print the redundancy set without writing")
	flags.Bool("force", false, "skip the CI guard")
	_ = pruneCmd.MarkFlagRequired("repo")
	_ = pruneCmd.MarkFlagRequired("sha")
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg := appConfig.AppConfig
	flags := cmd.Flags()
	repo, _ := flags.GetString("repo")
	sha, _ := flags.GetString("sha")
	installation, _ := flags.GetInt64("installation")
	dryRun, _ := flags.GetBool("dry-run")
	force, _ := flags.GetBool("force")

	ev, err := manualEvent(repo, sha, installation)
	if err != nil {
		return err
	}

	store, closeStore, err := openRunStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	engine := newEngine(cfg, ghprovider.NewFactory(cfg.GitHub), store, internal.NewLogger("policy"))
	out, err := engine.HandleWithOptions(cmd.Context(), ev, policy.Options{
		PruneOnly: true,
		Force:     force,
		DryRun:    dryRun,
	})
	printOutcome(cmd.OutOrStdout(), out)
	return err
}

// manualEvent synthesizes the check_run event an operator run stands in for.
func manualEvent(repo, sha string, installation int64) (*policy.CheckRunEvent, error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(repo), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("--repo must be owner/name, got %q", repo)
	}
	sha = strings.TrimSpace(sha)
	if sha == "" {
		return nil, errors.New("--sha is required")
	}
	return &policy.CheckRunEvent{
		Action:         "completed",
		Repository:     policy.Repository{Owner: owner, Name: name, FullName: owner + "/" + name},
		InstallationID: installation,
		CheckRun: policy.CheckRun{
			HeadSHA: sha,
			Name:    "featurebot prune",
			Status:  "completed",
		},
		Topic: "cli",
	}, nil
}

func printOutcome(w io.Writer, out policy.Outcome) {
	fmt.Fprintf(w, "action: %s (%s)\n", out.Action, out.State)
	if out.CommitSHA != "" {
		fmt.Fprintf(w, "commit: %s\n", out.CommitSHA)
	}
	if out.PullRequest != 0 {
		fmt.Fprintf(w, "pull request: #%d\n", out.PullRequest)
	}
	for _, path := range out.Pruned {
		fmt.Fprintf(w, "pruned: %s\n", path)
	}
	for _, number := range out.Redundant {
		fmt.Fprintf(w, "redundant: #%d\n", number)
	}
	for _, number := range out.Closed {
		fmt.Fprintf(w, "closed: #%d\n", number)
	}
	if out.Diff != "" {
		fmt.Fprintln(w)
		fmt.Fprint(w, out.Diff)
	}
	if len(out.Transcript) > 0 {
		fmt.Fprintln(w)
		for _, line := range out.Transcript {
			fmt.Fprintln(w, line)
		}
	}
}
