package collector

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v4/sensors"
)

// PlatformCollector queries the platform sensor interface for a CPU
// package temperature. The reading is overlaid onto the cpu fragment at
// assembly; when no sensor matches, the field stays absent rather than
// carrying a sentinel value.
type PlatformCollector struct {
	temperatures func(ctx context.Context) ([]sensors.TemperatureStat, error)
}

func NewPlatformCollector() *PlatformCollector {
	return &PlatformCollector{temperatures: sensors.TemperaturesWithContext}
}

func (c *PlatformCollector) Name() string     { return "platform" }
func (c *PlatformCollector) Cadence() Cadence { return CadenceMedium }

// cpuSensorKeys are sensor name fragments that identify a CPU package
// temperature across vendors.
var cpuSensorKeys = []string{"coretemp_package", "k10temp_tctl", "cpu_thermal", "acpitz"}

func (c *PlatformCollector) Sample(ctx context.Context) (*Fragment, error) {
	temps, err := c.temperatures(ctx)
	if err != nil {
		return nil, Failf(ReasonUnsupported, "sensor query failed: %v", err)
	}

	for _, key := range cpuSensorKeys {
		for _, t := range temps {
			if strings.Contains(strings.ToLower(t.SensorKey), key) && t.Temperature > 0 && t.Temperature <= 150 {
				v := t.Temperature
				return &Fragment{CPUTemperature: &v}, nil
			}
		}
	}
	return nil, Failf(ReasonUnsupported, "no CPU temperature sensor found")
}
