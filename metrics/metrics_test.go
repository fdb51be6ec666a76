package metrics

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/quorumcast/arb/common/testlogger"
)

func TestStartServesMetrics(t *testing.T) {
	l := Start(":0", nil)
	require.NotNil(t, l)
	defer l.Close()

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", l.Addr().String()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCollectorReportsDeliveryAndReap(t *testing.T) {
	c := NewCollector()

	before := testutil.ToFloat64(InstancesStarted)
	c.InstanceStarted()
	require.Equal(t, before+1, testutil.ToFloat64(InstancesStarted))

	beforeDelivered := testutil.ToFloat64(InstancesDelivered)
	c.InstanceDelivered(5 * time.Millisecond)
	require.Equal(t, beforeDelivered+1, testutil.ToFloat64(InstancesDelivered))

	beforeReaped := testutil.ToFloat64(InstancesReaped)
	c.InstanceReaped()
	require.Equal(t, beforeReaped+1, testutil.ToFloat64(InstancesReaped))
}

func TestThresholdMonitorCountsReportedFailures(t *testing.T) {
	l := testlogger.New(t)
	m := NewThresholdMonitor(l, 2, 10*time.Millisecond)
	m.Start()
	defer m.Stop()

	m.ReportFailure("peer-a")
	m.ReportFailure("peer-b")

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, float64(1), testutil.ToFloat64(PeerFailureEvents.WithLabelValues("peer-a")))
}
