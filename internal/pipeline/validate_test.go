package pipeline

import (
	"testing"

	"github.com/baikal/hostpulse/internal/collector"
	"github.com/baikal/hostpulse/internal/model"
)

func TestNormalizeDerivesRAMUsage(t *testing.T) {
	frag := &collector.Fragment{RAM: &model.RAMMetrics{TotalGB: 16, UsedGB: 4, AvailableGB: 11}}
	Normalize(frag)
	if frag.RAM.UsagePercent != 25 {
		t.Fatalf("usage_percent = %v, want 25", frag.RAM.UsagePercent)
	}
}

func TestNormalizeRoundsAndOrders(t *testing.T) {
	frag := &collector.Fragment{
		Network: &model.NetworkMetrics{DownloadMBps: 1.23456, UploadMBps: 0.999},
		Disk: &model.DiskMetrics{Disks: []model.DiskUsage{
			{Device: "/dev/sdb1", TotalGB: 100.129},
			{Device: "/dev/sda1", TotalGB: 50.001},
		}},
		Processes: []model.ProcessInfo{
			{Name: "b", CPUPercent: 1, MemoryMB: 10.555},
			{Name: "a", CPUPercent: 9, MemoryMB: 5},
		},
	}
	Normalize(frag)

	if frag.Network.DownloadMBps != 1.23 || frag.Network.UploadMBps != 1.0 {
		t.Fatalf("rates not rounded: %v %v", frag.Network.DownloadMBps, frag.Network.UploadMBps)
	}
	if frag.Disk.Disks[0].Device != "/dev/sda1" {
		t.Fatalf("disks not sorted by device: %v", frag.Disk.Disks[0].Device)
	}
	if frag.Disk.Disks[1].TotalGB != 100.13 {
		t.Fatalf("disk size not rounded: %v", frag.Disk.Disks[1].TotalGB)
	}
	if frag.Processes[0].Name != "a" {
		t.Fatalf("processes not sorted by cpu: %v", frag.Processes[0].Name)
	}
	if frag.Processes[1].MemoryMB != 10.56 {
		t.Fatalf("process memory not rounded: %v", frag.Processes[1].MemoryMB)
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	neg := -5.0
	hot := 200.0
	cases := []struct {
		name  string
		frag  *collector.Fragment
		field string
	}{
		{"cpu usage over 100", cpuFrag(120), "cpu.usage_percent"},
		{"cpu zero cores", &collector.Fragment{CPU: &model.CPUMetrics{UsagePercent: 10}}, "cpu.logical_count"},
		{"per-core length mismatch", &collector.Fragment{CPU: &model.CPUMetrics{
			UsagePercent: 10, LogicalCount: 4, PhysicalCount: 2, PerCoreUsage: []float64{1, 2}}}, "cpu.per_core_usage"},
		{"cpu frequency negative", &collector.Fragment{CPU: &model.CPUMetrics{
			UsagePercent: 10, LogicalCount: 4, PhysicalCount: 2, FrequencyMHz: &neg}}, "cpu.frequency_mhz"},
		{"ram used exceeds total", &collector.Fragment{RAM: &model.RAMMetrics{
			TotalGB: 8, UsedGB: 7, AvailableGB: 3, UsagePercent: 87}}, "ram.used_gb"},
		{"ram total missing", &collector.Fragment{RAM: &model.RAMMetrics{UsedGB: 1}}, "ram.total_gb"},
		{"gpu memory overcommit", &collector.Fragment{GPU: []model.GPUMetrics{
			{UsagePercent: 50, MemoryUsedGB: 9, MemoryTotalGB: 8}}}, "gpu.memory_used_gb"},
		{"disk negative rate", &collector.Fragment{Disk: &model.DiskMetrics{ReadMBps: -1}}, "disk.read_mbps"},
		{"network negative connections", &collector.Fragment{Network: &model.NetworkMetrics{ConnectionsActive: -1}}, "network.connections_active"},
		{"process negative cpu", &collector.Fragment{Processes: []model.ProcessInfo{{Name: "x", CPUPercent: -1}}}, "processes.cpu_percent"},
		{"context bad time of day", &collector.Fragment{Context: &model.SystemContext{TimeOfDay: "dawn"}}, "context.time_of_day"},
		{"context bad action", &collector.Fragment{Context: &model.SystemContext{TimeOfDay: "night", UserAction: "mining"}}, "context.user_action"},
		{"sensor temperature absurd", &collector.Fragment{CPUTemperature: &hot}, "cpu.temperature_celsius"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.frag)
			if err == nil {
				t.Fatal("expected rejection")
			}
			want := "invalid_range:" + tc.field
			if err.Error() != want {
				t.Fatalf("err = %q, want %q", err.Error(), want)
			}
		})
	}
}

func TestValidateAcceptsHealthyFragment(t *testing.T) {
	temp := 55.0
	frag := &collector.Fragment{
		CPU: &model.CPUMetrics{
			UsagePercent: 33.3, LogicalCount: 8, PhysicalCount: 4,
			PerCoreUsage:       []float64{10, 20, 30, 40, 50, 60, 70, 80},
			TemperatureCelsius: &temp,
		},
		RAM: &model.RAMMetrics{TotalGB: 32, UsedGB: 10, AvailableGB: 20, UsagePercent: 31.2},
		Context: &model.SystemContext{
			TimeOfDay: "afternoon", UserAction: "coding", DayOfWeek: "monday",
		},
	}
	if err := Validate(frag); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
