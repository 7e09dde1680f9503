// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package event

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is bumped whenever a payload variant changes shape.
const ProtocolVersion = 1

type envelope struct {
	Version    int             `json:"v"`
	ID         ID              `json:"id"`
	RefID      ID              `json:"ref_id,omitempty"`
	State      State           `json:"state"`
	Source     Address         `json:"src"`
	Receiver   Address         `json:"receiver"`
	PostponeMS uint32          `json:"postpone_ms,omitempty"`
	TimeoutMS  uint32          `json:"timeout_ms,omitempty"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Marshal encodes an event into its wire form.
func Marshal(e *Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil event", ErrMalformed)
	}
	if e.Payload == nil {
		return nil, fmt.Errorf("%w: event %s has no payload", ErrMalformed, e.ID)
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.Payload.Kind(), err)
	}
	for _, a := range []Address{e.Source, e.Receiver} {
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return json.Marshal(envelope{
		Version:    ProtocolVersion,
		ID:         e.ID,
		RefID:      e.RefID,
		State:      e.State,
		Source:     e.Source,
		Receiver:   e.Receiver,
		PostponeMS: e.PostponeMS,
		TimeoutMS:  e.TimeoutMS,
		Kind:       e.Payload.Kind(),
		Payload:    body,
	})
}

// Unmarshal decodes the wire form. Every failure wraps ErrMalformed.
func Unmarshal(data []byte) (*Event, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: unsupported protocol version %d", ErrMalformed, env.Version)
	}
	if env.State == "" {
		env.State = StatePending
	}
	if !env.State.valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrMalformed, env.State)
	}
	factory, ok := registry[env.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, env.Kind)
	}
	payload := factory()
	if len(env.Payload) > 0 && !bytes.Equal(env.Payload, []byte("null")) {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Kind, err)
		}
	}
	return &Event{
		ID:         env.ID,
		RefID:      env.RefID,
		State:      env.State,
		Source:     env.Source,
		Receiver:   env.Receiver,
		PostponeMS: env.PostponeMS,
		TimeoutMS:  env.TimeoutMS,
		Payload:    payload,
	}, nil
}
