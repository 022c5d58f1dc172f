// Package policy decides and performs the merge, close or prune action for
// a completed check run.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"

	"featurebot/pkg/ci"

	gh "github.com/google/go-github/v57/github"
)

// ErrInvalidEvent is returned for payloads missing required check run fields.
var ErrInvalidEvent = errors.New("invalid check_run event")

type Repository struct {
	Owner         string
	Name          string
	FullName      string
	DefaultBranch string
}

type CheckRun struct {
	ID           int64
	Name         string
	HeadSHA      string
	HeadBranch   string
	Status       string
	Conclusion   string
	DetailsURL   string
	AppSlug      string
	PullRequests []int
}

// CheckRunEvent is the typed form of a check_run webhook.
type CheckRunEvent struct {
	Action         string
	Repository     Repository
	InstallationID int64
	CheckRun       CheckRun

	RequestID  string
	DeliveryID string
	Topic      string
	Raw        []byte
}

// ParseCheckRunEvent decodes and validates a check_run payload.
func ParseCheckRunEvent(payload []byte) (*CheckRunEvent, error) {
	var raw gh.CheckRunEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	run := raw.GetCheckRun()
	if run == nil {
		return nil, fmt.Errorf("%w: missing check_run", ErrInvalidEvent)
	}
	repo := raw.GetRepo()
	ev := &CheckRunEvent{
		Action: raw.GetAction(),
		Repository: Repository{
			Owner:         repo.GetOwner().GetLogin(),
			Name:          repo.GetName(),
			FullName:      repo.GetFullName(),
			DefaultBranch: repo.GetDefaultBranch(),
		},
		InstallationID: raw.GetInstallation().GetID(),
		CheckRun: CheckRun{
			ID:         run.GetID(),
			Name:       run.GetName(),
			HeadSHA:    run.GetHeadSHA(),
			HeadBranch: run.GetCheckSuite().GetHeadBranch(),
			Status:     run.GetStatus(),
			Conclusion: run.GetConclusion(),
			DetailsURL: run.GetDetailsURL(),
			AppSlug:    run.GetApp().GetSlug(),
		},
		Raw: payload,
	}
	for _, pr := range run.PullRequests {
		if pr.GetNumber() > 0 {
			ev.CheckRun.PullRequests = append(ev.CheckRun.PullRequests, pr.GetNumber())
		}
	}
	if ev.Repository.FullName == "" && ev.Repository.Owner != "" {
		ev.Repository.FullName = ev.Repository.Owner + "/" + ev.Repository.Name
	}

	switch {
	case ev.Action == "":
		return nil, fmt.Errorf("%w: missing action", ErrInvalidEvent)
	case ev.Repository.Owner == "" || ev.Repository.Name == "":
		return nil, fmt.Errorf("%w: missing repository", ErrInvalidEvent)
	case ev.CheckRun.HeadSHA == "":
		return nil, fmt.Errorf("%w: missing check_run.head_sha", ErrInvalidEvent)
	}
	return ev, nil
}

// CIRun converts the event for CI providers.
func (e *CheckRunEvent) CIRun() ci.CheckRun {
	return ci.CheckRun{
		Owner:        e.Repository.Owner,
		Repo:         e.Repository.Name,
		ID:           e.CheckRun.ID,
		Name:         e.CheckRun.Name,
		HeadSHA:      e.CheckRun.HeadSHA,
		HeadBranch:   e.CheckRun.HeadBranch,
		DetailsURL:   e.CheckRun.DetailsURL,
		Status:       e.CheckRun.Status,
		Conclusion:   e.CheckRun.Conclusion,
		PullRequests: append([]int(nil), e.CheckRun.PullRequests...),
	}
}
