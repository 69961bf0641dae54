package telemetry_test

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bgdnvk/stormcloud/internal/autofix"
	"github.com/bgdnvk/stormcloud/internal/deploy"
	"github.com/bgdnvk/stormcloud/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ deploy.Observer = (*telemetry.Metrics)(nil)
	_ autofix.Metrics = (*telemetry.Metrics)(nil)
)

func TestMetrics_Record(t *testing.T) {
	m := telemetry.NewMetrics()

	m.SessionStarted("deploy")
	m.PhaseDone(deploy.PhaseBuild, 3*time.Second, errors.New("boom"))
	m.PhaseDone(deploy.PhaseBuild, time.Second, nil)
	m.RunDone(false, 4*time.Second)
	m.OracleCalled("fix")
	m.FixApplied()
	m.RunDone(true, 5*time.Second)
	m.EventsDropped(3)
	m.SessionEnded("deploy", "succeeded")

	count, err := testutil.GatherAndCount(m.Registry(),
		"stormcloud_pipeline_runs_total",
		"stormcloud_phase_errors_total",
		"stormcloud_fixes_applied_total",
	)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `stormcloud_phase_errors_total{phase="build"} 1`)
	assert.Contains(t, string(body), `stormcloud_oracle_calls_total{result="fix"} 1`)
	assert.Contains(t, string(body), "stormcloud_stream_dropped_events_total 3")
	assert.Contains(t, string(body), "stormcloud_active_sessions 0")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *telemetry.Metrics
	assert.NotPanics(t, func() {
		m.SessionStarted("grant")
		m.PhaseDone(deploy.PhaseDeploy, time.Second, nil)
		m.RunDone(true, time.Second)
		m.OracleCalled("error")
		m.FixApplied()
		m.EventsDropped(1)
		m.SessionEnded("grant", "failed")
	})
}
