package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"featurebot/internal"
)

const defaultBaseURL = "https://api.github.com"

// AppConfig contains GitHub App authentication settings.
type AppConfig struct {
	AppID          int64
	PrivateKeyPath string
	BaseURL        string
}

// AppConfigFrom maps the service configuration.
func AppConfigFrom(cfg internal.GitHubConfig) AppConfig {
	return AppConfig{AppID: cfg.AppID, PrivateKeyPath: cfg.PrivateKeyPath, BaseURL: cfg.BaseURL}
}

// InstallationIDFromPayload extracts the GitHub App installation ID.
func InstallationIDFromPayload(payload []byte) (int64, bool, error) {
	var raw struct {
		Installation struct {
			ID int64 `json:"id"`
		} `json:"installation"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return 0, false, err
	}
	if raw.Installation.ID == 0 {
		return 0, false, nil
	}
	return raw.Installation.ID, true, nil
}

type appAuthenticator struct {
	appID   int64
	baseURL string
	key     *keyLoader

	mu     sync.Mutex
	tokens map[int64]cachedToken
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// tokenRefreshMargin renews installation tokens this long before expiry.
const tokenRefreshMargin = 5 * time.Minute

func newAppAuthenticator(cfg AppConfig) *appAuthenticator {
	return &appAuthenticator{
		appID:   cfg.AppID,
		baseURL: normalizeBaseURL(cfg.BaseURL),
		key:     &keyLoader{path: cfg.PrivateKeyPath},
		tokens:  make(map[int64]cachedToken),
	}
}

// installationToken returns a cached token until it is close to expiry.
func (a *appAuthenticator) installationToken(ctx context.Context, installationID int64) (string, error) {
	a.mu.Lock()
	cached, ok := a.tokens[installationID]
	a.mu.Unlock()
	if ok && time.Until(cached.expiresAt) > tokenRefreshMargin {
		return cached.token, nil
	}

	key, err := a.key.load()
	if err != nil {
		return "", err
	}
	jwt, err := signAppJWT(a.appID, key, time.Now())
	if err != nil {
		return "", err
	}
	appClient, err := newClient(ctx, jwt, a.baseURL)
	if err != nil {
		return "", err
	}
	issued, _, err := appClient.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return "", fmt.Errorf("github token exchange for installation %d: %w", installationID, err)
	}
	if issued.GetToken() == "" {
		return "", errors.New("github installation token missing from response")
	}
	expiresAt := issued.GetExpiresAt().Time
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(time.Hour)
	}

	a.mu.Lock()
	a.tokens[installationID] = cachedToken{token: issued.GetToken(), expiresAt: expiresAt}
	a.mu.Unlock()
	return issued.GetToken(), nil
}

func normalizeBaseURL(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(base, "/")
}
