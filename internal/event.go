package internal

// Event is the envelope routed from the webhook server to the queue.
type Event struct {
	Provider   string `json:"provider"`
	Name       string `json:"name"`
	RequestID  string `json:"request_id,omitempty"`
	DeliveryID string `json:"delivery_id,omitempty"`
	// RawPayload is the webhook body exactly as received.
	RawPayload []byte `json:"-"`
	// RawObject is RawPayload decoded into generic JSON values.
	RawObject interface{} `json:"-"`
}
