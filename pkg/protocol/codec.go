package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidEvent is returned for frames that fail structural or field validation.
var ErrInvalidEvent = errors.New("invalid realtime event")

// Envelope is the outer frame of every realtime message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

var factories = map[string]func() Event{
	EventJoinRoom:               func() Event { return &JoinRoom{} },
	EventLeaveRoom:              func() Event { return &LeaveRoom{} },
	EventSendMessage:            func() Event { return &SendMessage{} },
	EventIdentify:               func() Event { return &Identify{} },
	EventSetUserOnline:          func() Event { return &SetUserOnline{} },
	EventSetUserOffline:         func() Event { return &SetUserOffline{} },
	EventConnected:              func() Event { return &Connected{} },
	EventOnlineUsers:            func() Event { return &OnlineUsers{} },
	EventRoomMembers:            func() Event { return &RoomMembers{} },
	EventNewMessage:             func() Event { return &NewMessage{} },
	EventUserOnlineStatusUpdate: func() Event { return &UserOnlineStatusUpdate{} },
	EventUserOffline:            func() Event { return &UserOffline{} },
	EventMessagesDeleted:        func() Event { return &MessagesDeleted{} },
	EventError:                  func() Event { return &Error{} },
}

const envelopeSchemaURL = "envelope.json"

// Codec encodes events into envelopes and decodes envelopes into typed events.
type Codec struct {
	schema   *jsonschema.Schema
	validate *validator.Validate
}

// NewCodec compiles the envelope schema and prepares the payload validator.
func NewCodec() (*Codec, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(envelopeSchemaURL, strings.NewReader(envelopeSchema())); err != nil {
		return nil, fmt.Errorf("add envelope schema: %w", err)
	}

	schema, err := compiler.Compile(envelopeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}

	return &Codec{
		schema:   schema,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// Encode wraps the event into an envelope.
func (c *Codec) Encode(event Event) ([]byte, error) {
	if event == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	return json.Marshal(Envelope{Event: event.EventName(), Data: data})
}

// Decode validates the raw frame and returns the typed event it carries.
// The returned value is always a pointer to one of the payload structs of this package.
func (c *Codec) Decode(raw []byte) (Event, error) {
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := c.schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	factory, ok := factories[envelope.Event]
	if !ok {
		return nil, fmt.Errorf("%w: unknown event %q", ErrInvalidEvent, envelope.Event)
	}

	event := factory()
	if err := json.Unmarshal(envelope.Data, event); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, envelope.Event, err)
	}
	if err := c.validate.Struct(event); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, envelope.Event, err)
	}

	return event, nil
}

var (
	defaultOnce  sync.Once
	defaultCodec *Codec
	defaultErr   error
)

// DefaultCodec returns a process-wide codec instance.
func DefaultCodec() (*Codec, error) {
	defaultOnce.Do(func() {
		defaultCodec, defaultErr = NewCodec()
	})
	return defaultCodec, defaultErr
}

func envelopeSchema() string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)

	quoted, _ := json.Marshal(names)

	return `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event", "data"],
  "properties": {
    "event": {"type": "string", "enum": ` + string(quoted) + `},
    "data": {"type": "object"}
  }
}`
}
