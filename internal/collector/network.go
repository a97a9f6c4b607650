package collector

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"

	"github.com/baikal/hostpulse/internal/model"
)

// netCounters is the aggregate counter state kept between samples.
type netCounters struct {
	bytesSent uint64
	bytesRecv uint64
	at        time.Time
}

// NetworkCollector samples aggregate traffic counters, derives up/down
// rates from the delta against the previous sample, and lists interfaces.
type NetworkCollector struct {
	ioCounters  func(ctx context.Context) ([]psnet.IOCountersStat, error)
	connections func(ctx context.Context) ([]psnet.ConnectionStat, error)
	interfaces  func(ctx context.Context) (psnet.InterfaceStatList, error)
	sysClassNet string
	now         func() time.Time

	prev *netCounters // owned exclusively by this instance
}

func NewNetworkCollector() *NetworkCollector {
	return &NetworkCollector{
		ioCounters: func(ctx context.Context) ([]psnet.IOCountersStat, error) {
			return psnet.IOCountersWithContext(ctx, false)
		},
		connections: func(ctx context.Context) ([]psnet.ConnectionStat, error) {
			return psnet.ConnectionsWithContext(ctx, "inet")
		},
		interfaces:  psnet.InterfacesWithContext,
		sysClassNet: "/sys/class/net",
		now:         time.Now,
	}
}

func (c *NetworkCollector) Name() string     { return "network" }
func (c *NetworkCollector) Cadence() Cadence { return CadenceMedium }

func (c *NetworkCollector) Sample(ctx context.Context) (*Fragment, error) {
	counters, err := c.ioCounters(ctx)
	if err != nil {
		return nil, AsFailure(err)
	}
	if len(counters) == 0 {
		return nil, Failf(ReasonTransient, "no network counters")
	}
	agg := counters[0]

	m := &model.NetworkMetrics{
		BytesSent:       agg.BytesSent,
		BytesReceived:   agg.BytesRecv,
		PacketsSent:     agg.PacketsSent,
		PacketsReceived: agg.PacketsRecv,
		Errors:          agg.Errin + agg.Errout + agg.Dropin + agg.Dropout,
	}

	cur := &netCounters{bytesSent: agg.BytesSent, bytesRecv: agg.BytesRecv, at: c.now()}
	prev := c.prev
	c.prev = cur
	if prev == nil {
		m.WarmingUp = true
	} else {
		elapsed := cur.at.Sub(prev.at).Seconds()
		if elapsed > 0 {
			m.DownloadMBps = counterRate(cur.bytesRecv, prev.bytesRecv, elapsed) / (1024 * 1024)
			m.UploadMBps = counterRate(cur.bytesSent, prev.bytesSent, elapsed) / (1024 * 1024)
		}
	}

	// Connection count is best-effort; some platforms need elevated
	// privileges for the full table.
	if conns, err := c.connections(ctx); err == nil {
		active := 0
		for _, conn := range conns {
			if conn.Status == "ESTABLISHED" {
				active++
			}
		}
		m.ConnectionsActive = active
	}

	m.Interfaces = c.sampleInterfaces(ctx)

	return &Fragment{Network: m}, nil
}

func (c *NetworkCollector) sampleInterfaces(ctx context.Context) []model.NetworkInterface {
	list, err := c.interfaces(ctx)
	if err != nil {
		return nil
	}

	var ifaces []model.NetworkInterface
	for _, iface := range list {
		if iface.Name == "lo" {
			continue
		}
		up := false
		for _, flag := range iface.Flags {
			if flag == "up" {
				up = true
				break
			}
		}
		ifaces = append(ifaces, model.NetworkInterface{
			Name:      iface.Name,
			SpeedMbps: c.linkSpeed(iface.Name),
			IsUp:      up,
		})
	}
	return ifaces
}

// linkSpeed reads the negotiated link speed from sysfs. Returns 0 where
// the kernel does not expose it (wifi, virtual interfaces, non-Linux).
func (c *NetworkCollector) linkSpeed(name string) float64 {
	data, err := os.ReadFile(filepath.Join(c.sysClassNet, name, "speed"))
	if err != nil {
		return 0
	}
	speed, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil || speed < 0 {
		return 0
	}
	return speed
}
