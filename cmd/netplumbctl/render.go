// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/ManuGH/netplumb/internal/event"
)

// render prints the payload of reply. State documents are printed as
// documents rather than as opaque bytes.
func render(w io.Writer, format string, reply *event.Event) error {
	var body any = reply.Payload
	if r, ok := reply.Payload.(*event.StateReport); ok {
		var doc any
		if err := json.Unmarshal(r.State, &doc); err != nil {
			return fmt.Errorf("daemon returned an invalid state document: %w", err)
		}
		body = doc
	}

	// Round-trip through JSON so both formats use the wire field names.
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}

	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(generic)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

// decodeYAML parses a single YAML document into JSON-compatible values.
func decodeYAML(data []byte) (any, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return normalize(v)
}

// normalize converts YAML's map[string]any and map[any]any trees into
// values encoding/json accepts.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			ks, ok := k.(string)
			if !ok {
				return nil, errors.New("non-string key in document")
			}
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[ks] = n
		}
		return out, nil
	case []any:
		for i, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	}
	return v, nil
}
