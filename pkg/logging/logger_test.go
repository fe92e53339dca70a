package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/go-kit/log/level"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/payload-gateway/pkg/config"
)

func TestNewWithWriter_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, config.LogSettings{Level: "warn", Format: "logfmt"})

	level.Info(logger).Log("msg", "hidden")
	level.Warn(logger).Log("msg", "shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=shown")
	assert.Contains(t, out, "level=warn")
	assert.Contains(t, out, "caller=")
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewWithWriter(&buf, config.LogSettings{Level: "debug", Format: "json"}), "assembler")

	level.Debug(logger).Log("msg", "bucket created", "key", "study-1")

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &record))
	assert.Equal(t, "assembler", record["component"])
	assert.Equal(t, "study-1", record["key"])
	assert.Equal(t, "debug", record["level"])
}

func TestComponent_NilLogger(t *testing.T) {
	logger := Component(nil, "scanner")
	assert.NoError(t, logger.Log("msg", "ignored"))
}
