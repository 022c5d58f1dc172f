package worker

import "encoding/json"

// Event represents a message received by the worker.
type Event struct {
	// Provider is the webhook source, "github" for everything featurebot routes.
	Provider string `json:"provider"`
	// Type is the webhook event name (e.g. "check_run").
	Type string `json:"type"`
	// Topic is the name of the topic the message was received on.
	Topic string `json:"topic"`
	// Metadata contains message-broker-specific metadata.
	Metadata map[string]string `json:"metadata"`
	// Payload is the webhook body as received.
	Payload json.RawMessage `json:"payload"`
	// Normalized is the decoded JSON payload of the event.
	Normalized map[string]interface{} `json:"normalized"`
	// Client is an API client for the provider, if available.
	Client interface{} `json:"-"`
}

func (e *Event) RequestID() string  { return e.meta("request_id") }
func (e *Event) DeliveryID() string { return e.meta("delivery_id") }

func (e *Event) meta(key string) string {
	if e == nil || e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}
