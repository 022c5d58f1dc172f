package worker

import (
	"encoding/json"
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Codec is an interface for decoding messages from a message broker into an Event.
type Codec interface {
	// Decode transforms a Watermill message into an Event.
	Decode(topic string, msg *message.Message) (*Event, error)
}

// DefaultCodec reads the webhook body from the payload and the routing
// fields from metadata. Producers that wrap the body in a
// {provider,name,data} envelope are accepted too.
type DefaultCodec struct{}

type envelope struct {
	Provider string                 `json:"provider"`
	Name     string                 `json:"name"`
	Data     map[string]interface{} `json:"data"`
}

func (DefaultCodec) Decode(topic string, msg *message.Message) (*Event, error) {
	if len(msg.Payload) == 0 {
		return nil, errors.New("empty message payload")
	}
	var object map[string]interface{}
	if err := json.Unmarshal(msg.Payload, &object); err != nil {
		return nil, err
	}

	metadata := make(map[string]string, len(msg.Metadata))
	for key, value := range msg.Metadata {
		metadata[key] = value
	}

	evt := &Event{
		Provider:   msg.Metadata.Get("provider"),
		Type:       msg.Metadata.Get("event"),
		Topic:      topic,
		Metadata:   metadata,
		Payload:    json.RawMessage(msg.Payload),
		Normalized: object,
	}
	if evt.Type == "" {
		var env envelope
		if err := json.Unmarshal(msg.Payload, &env); err == nil && env.Name != "" && env.Data != nil {
			raw, err := json.Marshal(env.Data)
			if err != nil {
				return nil, err
			}
			evt.Provider = env.Provider
			evt.Type = env.Name
			evt.Payload = raw
			evt.Normalized = env.Data
		}
	}
	if evt.Type == "" {
		return nil, errors.New("message has no event name")
	}
	return evt, nil
}
