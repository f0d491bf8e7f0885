// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeMap(t *testing.T, m Message) map[string]any {
	t.Helper()
	b, err := json.Marshal(m)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

func TestMake_OmitsEmptyFields(t *testing.T) {
	tests := []struct {
		name    string
		data    any
		opts    []Option
		present []string
		absent  []string
	}{
		{
			name:    "text without extras",
			data:    "hello",
			present: []string{"msg_type", "data", "timestamp"},
			absent:  []string{"context", "dest"},
		},
		{
			name:    "empty text drops data",
			data:    "",
			present: []string{"msg_type", "timestamp"},
			absent:  []string{"data", "context", "dest"},
		},
		{
			name:    "empty mapping drops data",
			data:    map[string]any{},
			present: []string{"msg_type", "timestamp"},
			absent:  []string{"data", "context", "dest"},
		},
		{
			name:    "empty tag list drops context",
			data:    map[string]any{"temp": 21.5},
			opts:    []Option{WithTags()},
			present: []string{"msg_type", "data", "timestamp"},
			absent:  []string{"context", "dest"},
		},
		{
			name:    "tags and entity",
			data:    map[string]any{"temp": 21.5},
			opts:    []Option{WithTags("sensor", "lab"), WithEntity("device-1")},
			present: []string{"msg_type", "data", "context", "dest", "timestamp"},
		},
		{
			name:    "wait without entity",
			data:    "ping",
			opts:    []Option{WithWaitResponse(true)},
			present: []string{"msg_type", "data", "context", "timestamp"},
			absent:  []string{"dest"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Make(tt.data, TypePublish, tt.opts...)
			require.NoError(t, err)

			out := decodeMap(t, m)
			for _, k := range tt.present {
				assert.Contains(t, out, k)
			}
			for _, k := range tt.absent {
				assert.NotContains(t, out, k)
			}
			for k, v := range out {
				assert.NotEmpty(t, v, "field %s must not be falsy", k)
			}
		})
	}
}

func TestMake_WaitOnlyWithoutEntity(t *testing.T) {
	m, err := Make("x", TypePublish, WithWaitResponse(true))
	require.NoError(t, err)
	assert.True(t, m.Wait())

	m, err = Make("x", TypePublish, WithWaitResponse(true), WithEntity("dev"))
	require.NoError(t, err)
	assert.False(t, m.Wait())
	assert.Equal(t, "dev", m.Dest)

	out := decodeMap(t, m)
	assert.NotContains(t, out, "context")
}

func TestMake_ContextTags(t *testing.T) {
	m, err := Make("x", TypePublish, WithTags("a", "b"), WithWaitResponse(true))
	require.NoError(t, err)

	out := decodeMap(t, m)
	ctx, ok := out["context"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"a", "b"}, ctx["tags"])
	assert.Equal(t, true, ctx["wait"])
}

func TestMake_Timestamp(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 45, 123456789, time.FixedZone("CET", 3600))
	m, err := Make("x", TypeHeartbeat, WithTimestamp(ts))
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T11:30:45.123+00:00", m.Timestamp)

	m, err = Make("x", TypePublish)
	require.NoError(t, err)
	parsed, err := time.Parse(TimestampLayout, m.Timestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), parsed, 5*time.Second)
}

func TestMake_Validation(t *testing.T) {
	_, err := Make(42, TypePublish)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = Make([]string{"a"}, TypePublish)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = Make(nil, TypePublish)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = Make("x", MsgType("bogus"))
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestMake_StructPayload(t *testing.T) {
	type reading struct {
		Temp  float64 `json:"temp"`
		Label string  `json:"label"`
	}
	m, err := Make(reading{Temp: 20, Label: "room"}, TypePublish)
	require.NoError(t, err)
	assert.False(t, m.Data.IsText())
	assert.Equal(t, "room", m.Data.Fields()["label"])
}

func TestMessage_RoundTrip(t *testing.T) {
	orig, err := Make(map[string]any{"k": "v"}, TypePublish, WithTags("t1"), WithEntity("e"))
	require.NoError(t, err)

	b, err := json.Marshal(orig)
	require.NoError(t, err)

	var got Message
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, orig.Type, got.Type)
	assert.Equal(t, orig.Dest, got.Dest)
	assert.Equal(t, orig.Timestamp, got.Timestamp)
	assert.Equal(t, orig.Context.Tags, got.Context.Tags)
	assert.Equal(t, "v", got.Data.Fields()["k"])
}

func TestMessage_UnmarshalRejectsScalarData(t *testing.T) {
	var m Message
	err := json.Unmarshal([]byte(`{"msg_type":"publish","data":12}`), &m)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestPayload_JSON(t *testing.T) {
	b, err := json.Marshal(Text("hi"))
	require.NoError(t, err)
	assert.JSONEq(t, `"hi"`, string(b))

	b, err = json.Marshal(Structured(map[string]any{"a": 1}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(b))

	var p Payload
	require.NoError(t, json.Unmarshal([]byte(`"text"`), &p))
	assert.True(t, p.IsText())
	assert.Equal(t, "text", p.Value())

	require.NoError(t, json.Unmarshal([]byte(`{"x":true}`), &p))
	assert.False(t, p.IsText())
	assert.Equal(t, true, p.Fields()["x"])

	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &p))
}
