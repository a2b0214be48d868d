package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureJSON(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf, true)
	prev := GetLevel()
	t.Cleanup(func() {
		SetOutput(os.Stderr, false)
		SetLevel(prev)
	})
	return &buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"", INFO},
		{"debug", DEBUG},
		{"WARN", WARN},
		{"warning", WARN},
		{" error ", ERROR},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestInfoCF_WritesComponentAndFields(t *testing.T) {
	buf := captureJSON(t)
	SetLevel(INFO)

	InfoCF("dingtalk", "frame received", map[string]any{"message_id": "m1"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "dingtalk", entry["component"])
	assert.Equal(t, "frame received", entry["message"])
	assert.Equal(t, "m1", entry["message_id"])
}

func TestDebugSuppressedBelowLevel(t *testing.T) {
	buf := captureJSON(t)
	SetLevel(INFO)

	DebugC("wecom", "hidden")
	assert.Zero(t, buf.Len())

	SetLevel(DEBUG)
	DebugC("wecom", "shown")
	assert.Contains(t, buf.String(), "shown")
}
