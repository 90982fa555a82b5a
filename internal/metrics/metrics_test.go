package metrics_test

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"statd/internal/logging"
	"statd/internal/metrics"
)

func TestCollectorCounts(t *testing.T) {
	c := metrics.New()
	c.ObserveRequest("udp", "success")
	c.ObserveRequest("udp", "success")
	c.ObserveRequest("tcp", "proc_unavail")
	c.ObserveReaped("failed")
	c.ObserveSubprocess("ok")
	c.ObserveShutdown("terminated")

	expected := `
# HELP statd_rpc_requests_total RPC messages received, by transport and dispatch result.
# TYPE statd_rpc_requests_total counter
statd_rpc_requests_total{proto="tcp",result="proc_unavail"} 1
statd_rpc_requests_total{proto="udp",result="success"} 2
`
	if err := testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), "statd_rpc_requests_total"); err != nil {
		t.Fatalf("unexpected request metrics: %v", err)
	}
	if got := testutil.CollectAndCount(c.Registry(), "statd_shutdowns_total"); got != 1 {
		t.Fatalf("shutdown series = %d", got)
	}
}

func TestNilCollectorIgnoresObservations(t *testing.T) {
	var c *metrics.Collector
	c.ObserveRequest("udp", "success")
	c.ObserveReaped("ok")
	c.ObserveSubprocess("ok")
	c.ObserveShutdown("interrupt")
}

func TestServeExposesMetrics(t *testing.T) {
	c := metrics.New()
	c.ObserveReaped("ok")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err := c.Serve(ctx, "127.0.0.1:0", logging.NewNop())
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr.String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `statd_children_reaped_total{result="ok"} 1`) {
		t.Fatalf("metrics body missing reaped counter:\n%s", body)
	}
}
