package model

import (
	"sort"
	"time"
)

// Severity classifies an anomaly.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// Anomaly is an append-only record describing a baseline, threshold, or
// spike event detected by the pattern layer.
type Anomaly struct {
	ID            int64          `json:"id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	MetricName    string         `json:"metric_name"`
	CurrentValue  float64        `json:"current_value"`
	ExpectedValue float64        `json:"expected_value"`
	DeviationStd  float64        `json:"deviation_std"`
	Severity      Severity       `json:"severity"`
	Context       map[string]any `json:"context,omitempty"`
}

// Baseline is the rolling mean and standard deviation for one metric.
// A single latest row per metric is kept in the store.
type Baseline struct {
	MetricName  string    `json:"metric_name"`
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"std_dev"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	SampleCount int       `json:"sample_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SortProcesses orders a process slice by CPU percent descending, ties
// broken by higher memory, then by name ascending.
func SortProcesses(procs []ProcessInfo) {
	sort.SliceStable(procs, func(i, j int) bool {
		if procs[i].CPUPercent != procs[j].CPUPercent {
			return procs[i].CPUPercent > procs[j].CPUPercent
		}
		if procs[i].MemoryMB != procs[j].MemoryMB {
			return procs[i].MemoryMB > procs[j].MemoryMB
		}
		return procs[i].Name < procs[j].Name
	})
}
