package ci

import (
	"fmt"
	"strings"

	"featurebot/internal"

	"github.com/rs/zerolog"
)

// NewProvider selects the build source named by cfg.Provider. Checks is
// built over lister and finder; ignore lists check run names left out of its
// verdict.
func NewProvider(cfg internal.CIConfig, lister ChecksLister, finder PullRequestFinder, ignore []string, log *zerolog.Logger) (Provider, error) {
	checks := &Checks{Client: lister, PullRequests: finder, Ignore: ignore}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "auto":
		return Auto{Travis: NewTravis(cfg, log), Checks: checks}, nil
	case "travis":
		return NewTravis(cfg, log), nil
	case "checks":
		return checks, nil
	default:
		return nil, fmt.Errorf("unknown ci provider %q", cfg.Provider)
	}
}
