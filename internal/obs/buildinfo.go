package obs

import (
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sntacc_build_info",
			Help: "Always 1; labels carry the running build.",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// InitBuildInfo publishes sntacc_build_info. An empty or "none" commit falls
// back to the VCS revision stamped by the Go toolchain.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	goVersion := "unknown"
	if info, ok := debug.ReadBuildInfo(); ok {
		goVersion = info.GoVersion
		if commit == "" || commit == "none" {
			commit = vcsRevision(info)
		}
	}
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, commit, goVersion).Set(1)
}

func vcsRevision(info *debug.BuildInfo) string {
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return "unknown"
}
