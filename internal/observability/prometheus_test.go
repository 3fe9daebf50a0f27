package observability

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valter-silva-au/teamwork-delegator/internal/core"
	"github.com/valter-silva-au/teamwork-delegator/pkg/models"
)

func TestPromMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	inFlight := 2
	m := MustNewMetrics(reg, func() int { return inFlight })

	m.TaskFetched(3)
	m.TaskFetched(0)
	m.DispatchClaimed()
	m.DispatchClaimed()
	m.DispatchSpawned(models.WorkflowBuild, models.ModelOpus)
	m.DispatchFailed(core.KindSpawn)
	m.RemoteCall("fetch_tasks", nil)
	m.RemoteCall("claim", errors.New("timeout"))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.tasksFetched))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.claims))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.spawned.WithLabelValues("build", "opus")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("spawn")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.remoteCalls.WithLabelValues("fetch_tasks", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.remoteCalls.WithLabelValues("claim", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.inFlight))
}

func TestPromMetrics_NilIsSafe(t *testing.T) {
	var m *PromMetrics
	assert.NotPanics(t, func() {
		m.TaskFetched(1)
		m.DispatchClaimed()
		m.DispatchSpawned(models.WorkflowBuild, models.ModelSonnet)
		m.DispatchFailed(core.KindRemoteUpdate)
		m.RemoteCall("x", nil)
	})
}

func TestPromMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustNewMetrics(reg, nil)
	assert.Panics(t, func() { MustNewMetrics(reg, nil) })
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg, nil)
	m.DispatchClaimed()

	srv := httptest.NewServer(MetricsHandler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "twd_dispatch_claims_total 1"), string(body))
}
