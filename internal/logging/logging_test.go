package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func TestLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "info", FormatJSON)
	require.NoError(t, err)

	l.Debug("hidden", "module", "db")
	l.Info("Module started", "module", "db", "pid", 42)
	l.Error("Module crashed", "module", "db", "error", errors.New("exit status 1"))
	l.With("component", "lifecycle").Warn("Restart limit exceeded", "module", "db")

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 3)
	assert.Equal(t, "info", recs[0]["level"])
	assert.Equal(t, "Module started", recs[0]["message"])
	assert.Equal(t, "db", recs[0]["module"])
	assert.Equal(t, float64(42), recs[0]["pid"])
	assert.Equal(t, "modplane", recs[0]["app"])
	assert.Equal(t, "exit status 1", recs[1]["error"])
	assert.Equal(t, "lifecycle", recs[2]["component"])
}

func TestLogger_ConsoleAndErrors(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "DEBUG", "")
	require.NoError(t, err)
	l.Debug("Resolving load order", "modules", 3)
	assert.Contains(t, buf.String(), "Resolving load order")
	assert.Contains(t, buf.String(), "modules=")

	_, err = New(&buf, "loud", FormatJSON)
	require.Error(t, err)
	_, err = New(&buf, "info", "xml")
	require.Error(t, err)
}
