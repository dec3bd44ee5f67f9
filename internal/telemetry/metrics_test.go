package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveSample(t *testing.T) {
	m := New()
	m.ObserveSample("backend", "db", 12.5, 1024, 10, 20)

	assert.Equal(t, 12.5, testutil.ToFloat64(m.CPUUsage.WithLabelValues("backend", "db")))
	assert.Equal(t, float64(1024), testutil.ToFloat64(m.MemoryUsage.WithLabelValues("backend", "db")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.DiskWriteTotal))

	m.Forget("backend", "db")
	assert.Equal(t, 0, testutil.CollectAndCount(m.CPUUsage))
}

func TestInstancesDoNotShareRegistries(t *testing.T) {
	a, b := New(), New()
	a.Transitions.WithLabelValues("running").Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(a.Transitions.WithLabelValues("running")))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.Transitions.WithLabelValues("running")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObservePull("pulled", 2*time.Second)
	m.ObservePull("hit", 0)
	require.NoError(t, m.RegisterCounterFunc("layer_downloads_total", "Layer blobs downloaded", func() float64 { return 3 }))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `sandboxd_image_pulls_total{result="hit"} 1`))
	assert.True(t, strings.Contains(text, "sandboxd_image_pull_duration_seconds_count 1"))
	assert.True(t, strings.Contains(text, "sandboxd_layer_downloads_total 3"))
}
