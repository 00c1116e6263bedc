// Package metrics exports minion run results for the node exporter
// textfile collector.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "debdeploy"

// Run is the state after one minion command.
type Run struct {
	// ProgramsPending and PackagesPending are the sizes of the restart
	// snapshot; negative when no scan ran.
	ProgramsPending int
	PackagesPending int
	// AptExitCode is nil when the package manager was not called.
	AptExitCode *int
	Time        time.Time
}

// WriteTextfile atomically replaces path with the gauges of r.
func WriteTextfile(path string, r Run) error {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time of the last debdeploy minion run.",
	}).Set(float64(r.Time.Unix()))

	if r.ProgramsPending >= 0 {
		factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "restart",
			Name:      "programs_pending",
			Help:      "Programs running with deleted or replaced files.",
		}).Set(float64(r.ProgramsPending))
	}
	if r.PackagesPending >= 0 {
		factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "restart",
			Name:      "packages_pending",
			Help:      "Packages owning programs that need a restart.",
		}).Set(float64(r.PackagesPending))
	}
	if r.AptExitCode != nil {
		factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_apt_exit_code",
			Help:      "Exit code of the last package manager run.",
		}).Set(float64(*r.AptExitCode))
	}

	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
