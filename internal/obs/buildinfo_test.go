package obs

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitBuildInfoKeepsOneSeries(t *testing.T) {
	InitBuildInfo("1.0.0", "abc123")
	InitBuildInfo("1.0.1", "def456")
	if n := testutil.CollectAndCount(buildInfo); n != 1 {
		t.Fatalf("expected a single build_info series, got %d", n)
	}
}
