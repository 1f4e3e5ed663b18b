package obs

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLoggerTo(&buf)

	lg.Info(map[string]interface{}{"op": "save", "kind": "postType"})
	lg.Error(map[string]interface{}{"op": "delete", "error": errors.New("boom")})
	require.NoError(t, lg.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.Equal(t, "info", first["level"])
	require.Equal(t, "save", first["op"])
	require.Contains(t, first, "ts")

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	require.Equal(t, "error", second["level"])
	require.Equal(t, "boom", second["error"])
}

func TestNewMetricsRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.LocksHeld.Set(3)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	// nil registerer must not panic on repeated construction
	_ = NewMetrics(nil)
	_ = NewMetrics(nil)
}
