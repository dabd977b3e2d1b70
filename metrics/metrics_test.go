package metrics_test

import (
	"context"
	"io/ioutil"
	"net/http"
	"strings"
	"testing"

	"github.com/m-lab/go/prometheusx"

	"github.com/rudplab/rudp/metrics"
)

func TestPrometheusMetricsAreExposed(t *testing.T) {
	metrics.OpenDescriptors.Set(3)
	metrics.FragmentSentTotal.Add(5)

	srv := prometheusx.MustStartPrometheus(":0")
	defer srv.Shutdown(context.Background())

	resp, err := http.Get("http://" + srv.Addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	text := string(body)
	for _, name := range []string{
		"rudp_open_descriptors",
		"rudp_fragment_sent_total",
		"rudp_rtt_milliseconds",
	} {
		if !strings.Contains(text, name) {
			t.Errorf("expected exported metrics to contain %q", name)
		}
	}
}
