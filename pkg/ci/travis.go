package ci

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"featurebot/internal"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// DefaultTravisURL is the Travis CI API v3 endpoint.
const DefaultTravisURL = "https://api.travis-ci.com"

// Travis reads builds from the Travis CI API v3.
type Travis struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Retries uint64
	// BackOff returns the delay policy between attempts; it defaults to
	// an exponential backoff.
	BackOff func() backoff.BackOff
	Log     *zerolog.Logger
}

// NewTravis builds a client from CI configuration.
func NewTravis(cfg internal.CIConfig, log *zerolog.Logger) *Travis {
	base := cfg.TravisAPIURL
	if base == "" {
		base = DefaultTravisURL
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Travis{
		BaseURL: strings.TrimRight(base, "/"),
		Token:   cfg.TravisToken,
		Client:  &http.Client{Timeout: timeout},
		Retries: cfg.Retries,
		Log:     log,
	}
}

func (t *Travis) Name() string { return "travis" }

// BuildIDFromDetailsURL extracts the build id from a details URL such as
// https://travis-ci.com/org/repo/builds/123456.
func BuildIDFromDetailsURL(detailsURL string) (string, error) {
	u, err := url.Parse(detailsURL)
	if err != nil {
		return "", fmt.Errorf("parse details url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := len(parts) - 2; i >= 0; i-- {
		if parts[i] != "builds" {
			continue
		}
		if _, err := strconv.ParseUint(parts[i+1], 10, 64); err == nil {
			return parts[i+1], nil
		}
	}
	return "", fmt.Errorf("%w: no build id in %q", ErrNoBuild, detailsURL)
}

type travisBuild struct {
	ID                int64  `json:"id"`
	State             string `json:"state"`
	EventType         string `json:"event_type"`
	PullRequestNumber int    `json:"pull_request_number"`
	Commit            struct {
		SHA     string `json:"sha"`
		Message string `json:"message"`
	} `json:"commit"`
	Branch struct {
		Name string `json:"name"`
	} `json:"branch"`
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("travis api returned %d: %s", e.code, e.body)
}

// Build fetches one build. Network errors and 5xx responses are retried.
func (t *Travis) Build(ctx context.Context, id string) (Build, error) {
	endpoint := t.BaseURL + "/build/" + url.PathEscape(id)
	op := func() (travisBuild, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return travisBuild{}, backoff.Permanent(err)
		}
		req.Header.Set("Travis-API-Version", "3")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "featurebot")
		if t.Token != "" {
			req.Header.Set("Authorization", "token "+t.Token)
		}
		resp, err := t.client().Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return travisBuild{}, backoff.Permanent(ctx.Err())
			}
			return travisBuild{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
			if resp.StatusCode >= 500 {
				return travisBuild{}, err
			}
			return travisBuild{}, backoff.Permanent(err)
		}
		var build travisBuild
		if err := json.NewDecoder(resp.Body).Decode(&build); err != nil {
			return travisBuild{}, backoff.Permanent(fmt.Errorf("decode travis build: %w", err))
		}
		return build, nil
	}
	notify := func(err error, wait time.Duration) {
		if t.Log != nil {
			t.Log.Warn().Err(err).Str("build", id).Dur("retry_in", wait).Msg("travis request failed")
		}
	}
	raw, err := backoff.RetryNotifyWithData(op, backoff.WithContext(backoff.WithMaxRetries(t.backOff(), t.Retries), ctx), notify)
	if err != nil {
		return Build{}, fmt.Errorf("travis build %s: %w", id, err)
	}
	return Build{
		ID:                strconv.FormatInt(raw.ID, 10),
		EventType:         raw.EventType,
		PullRequestNumber: raw.PullRequestNumber,
		Commit:            BuildCommit{SHA: raw.Commit.SHA, Message: raw.Commit.Message},
		Branch:            BuildBranch{Name: raw.Branch.Name},
		State:             raw.State,
		Passed:            raw.State == "passed",
	}, nil
}

// PassesAllChecks reports whether the build finished in state passed.
func (t *Travis) PassesAllChecks(ctx context.Context, id string) (bool, error) {
	build, err := t.Build(ctx, id)
	if err != nil {
		return false, err
	}
	return build.Passed, nil
}

func (t *Travis) Lookup(ctx context.Context, run CheckRun) (Build, error) {
	id, err := BuildIDFromDetailsURL(run.DetailsURL)
	if err != nil {
		return Build{}, err
	}
	return t.Build(ctx, id)
}

func (t *Travis) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

func (t *Travis) backOff() backoff.BackOff {
	if t.BackOff != nil {
		return t.BackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	return b
}
