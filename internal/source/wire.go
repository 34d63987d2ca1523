package source

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const messageSchemaURL = "courier://schemas/message.json"

const messageSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["sequence"],
	"properties": {
		"id": {"type": ["string", "integer"]},
		"sequence": {"type": "integer", "minimum": 1},
		"revision": {"type": "integer", "minimum": 0},
		"deleted": {"type": "boolean"},
		"sender": {"type": "string"},
		"text": {"type": "string"},
		"sent_at": {"type": "string", "format": "date-time"},
		"media_ref": {"type": "string"},
		"media": {
			"type": "object",
			"required": ["data"],
			"properties": {
				"content_type": {"type": "string"},
				"data": {"type": "string", "contentEncoding": "base64"}
			}
		}
	}
}`

var (
	messageSchemaOnce sync.Once
	messageSchema     *jsonschema.Schema
	messageSchemaErr  error
)

type wireMedia struct {
	ContentType string `json:"content_type,omitempty"`
	Data        string `json:"data"`
}

type wireMessage struct {
	ID       json.RawMessage `json:"id,omitempty"`
	Sequence int64           `json:"sequence"`
	Revision int64           `json:"revision,omitempty"`
	Deleted  bool            `json:"deleted,omitempty"`
	Sender   string          `json:"sender,omitempty"`
	Text     string          `json:"text,omitempty"`
	SentAt   string          `json:"sent_at,omitempty"`
	MediaRef string          `json:"media_ref,omitempty"`
	Media    *wireMedia      `json:"media,omitempty"`
}

type wirePage struct {
	Messages []json.RawMessage `json:"messages"`
}

type wireFrontier struct {
	Sequence int64 `json:"sequence"`
}

func compiledMessageSchema() (*jsonschema.Schema, error) {
	messageSchemaOnce.Do(func() {
		document, err := jsonschema.UnmarshalJSON(strings.NewReader(messageSchemaJSON))
		if err != nil {
			messageSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(messageSchemaURL, document); err != nil {
			messageSchemaErr = err
			return
		}
		messageSchema, messageSchemaErr = compiler.Compile(messageSchemaURL)
	})
	return messageSchema, messageSchemaErr
}

// DecodeMessage validates a wire event against the message schema and converts it.
func DecodeMessage(channelID string, payload []byte) (messages.Message, error) {
	schema, err := compiledMessageSchema()
	if err != nil {
		return messages.Message{}, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return messages.Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return messages.Message{}, fmt.Errorf("invalid message event: %w", err)
	}
	var wire wireMessage
	if err := json.Unmarshal(payload, &wire); err != nil {
		return messages.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return wire.toMessage(channelID)
}

// EncodeMessage renders a message in the wire format.
func EncodeMessage(message messages.Message) ([]byte, error) {
	wire := wireMessage{
		Sequence: message.Sequence,
		Revision: message.Revision,
		Deleted:  message.Deleted,
		Sender:   message.SenderName,
		Text:     message.Text,
		MediaRef: message.MediaRef,
	}
	if message.HasSourceID() {
		encodedID, err := json.Marshal(message.SourceMessageID)
		if err != nil {
			return nil, err
		}
		wire.ID = encodedID
	}
	if !message.SentAt.IsZero() {
		wire.SentAt = message.SentAt.UTC().Format(time.RFC3339)
	}
	if message.Media != nil {
		wire.Media = &wireMedia{
			ContentType: message.Media.ContentType,
			Data:        base64.StdEncoding.EncodeToString(message.Media.Data),
		}
	}
	return json.Marshal(wire)
}

func (w wireMessage) toMessage(channelID string) (messages.Message, error) {
	message := messages.Message{
		ChannelID:  channelID,
		Sequence:   w.Sequence,
		Revision:   w.Revision,
		Deleted:    w.Deleted,
		SenderName: w.Sender,
		Text:       w.Text,
		MediaRef:   w.MediaRef,
	}
	if len(w.ID) > 0 {
		var textID string
		if err := json.Unmarshal(w.ID, &textID); err == nil {
			message.SourceMessageID = textID
		} else {
			var numericID int64
			if err := json.Unmarshal(w.ID, &numericID); err != nil {
				return messages.Message{}, fmt.Errorf("decode message id: %w", err)
			}
			message.SourceMessageID = strconv.FormatInt(numericID, 10)
		}
	}
	if w.SentAt != "" {
		sentAt, err := time.Parse(time.RFC3339, w.SentAt)
		if err != nil {
			return messages.Message{}, fmt.Errorf("decode sent_at: %w", err)
		}
		message.SentAt = sentAt.UTC()
	}
	if w.Media != nil {
		data, err := base64.StdEncoding.DecodeString(w.Media.Data)
		if err != nil {
			return messages.Message{}, fmt.Errorf("decode media: %w", err)
		}
		message.Media = &messages.MediaPayload{ContentType: w.Media.ContentType, Data: data}
	}
	return message, nil
}
