// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureWritesServiceAndComponent(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "netplumb-test", Version: "v0.0.1"})
	t.Cleanup(func() { Configure(Config{}) })

	l := WithComponent("router")
	l.Info().Str(FieldEvent, "router.started").Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "netplumb-test", entry["service"])
	assert.Equal(t, "v0.0.1", entry["version"])
	assert.Equal(t, "router", entry[FieldComponent])
	assert.Equal(t, "router.started", entry[FieldEvent])
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { _ = SetLevel("info") })

	require.NoError(t, SetLevel("DEBUG"))
	assert.Equal(t, "debug", Level())

	require.NoError(t, SetLevel(" warn "))
	assert.Equal(t, "warn", Level())

	require.Error(t, SetLevel("loud"))
	assert.Equal(t, "warn", Level())
}

func TestWithContextAddsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "info", Output: &buf})
	t.Cleanup(func() { Configure(Config{}) })

	ctx := ContextWithEventID(context.Background(), "ev-1")
	ctx = ContextWithRefID(ctx, "ev-0")
	ctx = ContextWithSessionID(ctx, 42)
	ctx = ContextWithRequestID(ctx, "req-7")

	l := WithComponentFromContext(ctx, "api")
	l.Info().Msg("x")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ev-1", entry[FieldEventID])
	assert.Equal(t, "ev-0", entry[FieldRefID])
	assert.Equal(t, "42", entry[FieldSessionID])
	assert.Equal(t, "req-7", entry[FieldRequestID])
	assert.Equal(t, "api", entry[FieldComponent])
}

func TestContextAccessorsOnNil(t *testing.T) {
	//nolint:staticcheck // nil context is part of the contract
	assert.Empty(t, EventIDFromContext(nil))
	//nolint:staticcheck
	_, ok := SessionIDFromContext(nil)
	assert.False(t, ok)

	ctx := ContextWithEventID(nil, "abc") //nolint:staticcheck
	assert.Equal(t, "abc", EventIDFromContext(ctx))
}
