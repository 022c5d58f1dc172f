package worker

import (
	"context"

	"featurebot/pkg/providers/github"
)

// GitHubClient returns the GitHub client from an event if available.
func GitHubClient(evt *Event) (*github.Client, bool) {
	if evt == nil {
		return nil, false
	}
	client, ok := evt.Client.(*github.Client)
	return client, ok
}

// GitHubClientProvider builds a client for the installation named in the
// webhook payload. Payloads without one get a token-mode client, or an
// error when only App credentials are configured.
func GitHubClientProvider(factory *github.Factory) ClientProvider {
	return ClientProviderFunc(func(ctx context.Context, evt *Event) (interface{}, error) {
		installationID, _, err := github.InstallationIDFromPayload(evt.Payload)
		if err != nil {
			return nil, err
		}
		return factory.ForInstallation(ctx, installationID)
	})
}
