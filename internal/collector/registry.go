package collector

import (
	"github.com/baikal/hostpulse/internal/config"
)

// Registry builds the enabled collector set from configuration. Order is
// stable and matches the fragment layout of the snapshot.
func Registry(cfg *config.Config, run CommandRunner) []Collector {
	var cs []Collector
	add := func(name string, build func() Collector) {
		if cfg.CollectorEnabled(name) {
			cs = append(cs, build())
		}
	}

	add("cpu", func() Collector { return NewCPUCollector() })
	add("ram", func() Collector { return NewRAMCollector() })
	add("gpu", func() Collector { return NewGPUCollector(run) })
	add("disk", func() Collector { return NewDiskCollector() })
	add("network", func() Collector { return NewNetworkCollector() })
	add("process", func() Collector { return NewProcessCollector(cfg.Collectors.ProcessTopN) })
	add("context", func() Collector { return NewContextCollector() })
	add("toolbridge", func() Collector {
		return NewToolbridgeCollector(cfg.Collectors.ToolbridgeCommand, run)
	})
	add("platform", func() Collector { return NewPlatformCollector() })

	return cs
}

// OptionalCollectors lists the heavyweight collectors the observer may
// self-throttle under resource-cap overrun, heaviest first.
var OptionalCollectors = []string{"toolbridge", "platform", "gpu", "process"}
