package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"featurebot/internal"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// Client is the official GitHub SDK client.
type Client = gh.Client

// ErrNoCredentials is returned when neither a token nor an App is configured.
var ErrNoCredentials = errors.New("github credentials are not configured")

// Factory builds API clients from the service's GitHub settings. With a
// static token every installation shares one client; otherwise installation
// tokens are exchanged through the App and cached until they near expiry.
type Factory struct {
	token   string
	baseURL string
	auth    *appAuthenticator
}

func NewFactory(cfg internal.GitHubConfig) *Factory {
	f := &Factory{token: strings.TrimSpace(cfg.Token), baseURL: cfg.BaseURL}
	if f.token == "" && cfg.AppID != 0 && cfg.PrivateKeyPath != "" {
		f.auth = newAppAuthenticator(AppConfigFrom(cfg))
	}
	return f
}

// ForInstallation returns a client acting for installationID. Token mode
// ignores the id.
func (f *Factory) ForInstallation(ctx context.Context, installationID int64) (*Client, error) {
	if f.token != "" {
		return NewTokenClient(ctx, f.token, f.baseURL)
	}
	if f.auth == nil {
		return nil, ErrNoCredentials
	}
	if installationID == 0 {
		return nil, fmt.Errorf("github installation id is required")
	}
	token, err := f.auth.installationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}
	return newClient(ctx, token, f.baseURL)
}

// NewAppClient creates a GitHub SDK client by exchanging an installation token.
func NewAppClient(ctx context.Context, cfg AppConfig, installationID int64) (*Client, error) {
	if installationID == 0 {
		return nil, fmt.Errorf("github installation id is required")
	}
	authenticator := newAppAuthenticator(cfg)
	token, err := authenticator.installationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}
	return newClient(ctx, token, cfg.BaseURL)
}

// NewTokenClient creates a client authenticated with a personal access or
// installation token.
func NewTokenClient(ctx context.Context, token, baseURL string) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrNoCredentials
	}
	return newClient(ctx, token, baseURL)
}

func newClient(ctx context.Context, token, baseURL string) (*Client, error) {
	var httpClient *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(ctx, ts)
	}

	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL != "" && baseURL != defaultBaseURL {
		client, err := gh.NewEnterpriseClient(baseURL, baseURL, httpClient)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return gh.NewClient(httpClient), nil
}
