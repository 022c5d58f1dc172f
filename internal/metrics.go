package internal

import "expvar"

var (
	requestsTotal  = expvar.NewMap("featurebot_requests_total")
	parseErrors    = expvar.NewMap("featurebot_parse_errors_total")
	publishErrors  = expvar.NewMap("featurebot_publish_errors_total")
	actionsTotal   = expvar.NewMap("featurebot_actions_total")
	actionFailures = expvar.NewMap("featurebot_action_failures_total")
	messagesTotal  = expvar.NewMap("featurebot_messages_total")
	rateLimited    = expvar.NewMap("featurebot_rate_limited_total")
)

func IncRequest(provider string) {
	requestsTotal.Add(provider, 1)
}

func IncParseError(provider string) {
	parseErrors.Add(provider, 1)
}

func IncPublishError(driver string) {
	publishErrors.Add(driver, 1)
}

// IncAction counts a chosen policy action (merge, close, prune, none).
func IncAction(action string) {
	actionsTotal.Add(action, 1)
}

func IncActionFailure(action string) {
	actionFailures.Add(action, 1)
}

// IncMessage counts a consumed message by topic and outcome.
func IncMessage(topic, outcome string) {
	if topic == "" {
		topic = "unknown"
	}
	messagesTotal.Add(topic+":"+outcome, 1)
}

func IncRateLimited(client string) {
	rateLimited.Add(client, 1)
}
