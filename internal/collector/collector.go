// Package collector defines the sampling contract implemented by every
// metric source, plus the core set of gopsutil-backed collectors.
package collector

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/baikal/hostpulse/internal/model"
)

// Cadence assigns a collector to a rate class. The scheduler invokes a
// collector on every tick of its class or faster.
type Cadence int

const (
	CadenceHigh Cadence = iota
	CadenceMedium
	CadenceLow
)

func (c Cadence) String() string {
	switch c {
	case CadenceHigh:
		return "high"
	case CadenceMedium:
		return "medium"
	case CadenceLow:
		return "low"
	}
	return "unknown"
}

// ReasonCode classifies a sampling failure.
type ReasonCode string

const (
	ReasonTimeout           ReasonCode = "timeout"
	ReasonUnsupported       ReasonCode = "unsupported"
	ReasonPermissionDenied  ReasonCode = "permission_denied"
	ReasonTransient         ReasonCode = "transient_error"
	ReasonMissingDependency ReasonCode = "missing_dependency"
)

// Failure is a structured sampling failure. It implements error so
// collectors can return it directly from Sample.
type Failure struct {
	Code    ReasonCode
	Message string
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return string(f.Code)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Permanent reports whether the failure disables the collector for the
// rest of the session.
func (f *Failure) Permanent() bool {
	switch f.Code {
	case ReasonUnsupported, ReasonPermissionDenied, ReasonMissingDependency:
		return true
	}
	return false
}

// Failf builds a Failure with a formatted message.
func Failf(code ReasonCode, format string, args ...any) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsFailure coerces an arbitrary sampling error into a Failure. Context
// deadline errors become timeouts; everything else is transient.
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Failure{Code: ReasonTimeout, Message: "deadline exceeded"}
	}
	return &Failure{Code: ReasonTransient, Message: err.Error()}
}

// Fragment is one collector's contribution to a snapshot. Exactly the
// fields owned by the collector's family are set; everything else stays
// nil. CPUTemperature is a special overlay: the platform bridge reports a
// sensor reading that lands in the cpu fragment during assembly.
type Fragment struct {
	CPU            *model.CPUMetrics     `json:"cpu,omitempty"`
	RAM            *model.RAMMetrics     `json:"ram,omitempty"`
	GPU            []model.GPUMetrics    `json:"gpu,omitempty"`
	Disk           *model.DiskMetrics    `json:"disk,omitempty"`
	Network        *model.NetworkMetrics `json:"network,omitempty"`
	Processes      []model.ProcessInfo   `json:"processes,omitempty"`
	Context        *model.SystemContext  `json:"context,omitempty"`
	CPUTemperature *float64              `json:"cpu_temperature,omitempty"`
}

// Empty reports whether the fragment carries no data at all.
func (f *Fragment) Empty() bool {
	return f == nil || (f.CPU == nil && f.RAM == nil && len(f.GPU) == 0 &&
		f.Disk == nil && f.Network == nil && len(f.Processes) == 0 &&
		f.Context == nil && f.CPUTemperature == nil)
}

// Collector gathers one metric family. Sample must honor the context
// deadline, must be idempotent and side-effect free apart from the
// collector's own delta counters, and must be safe to call concurrently
// with other collectors (never with itself).
type Collector interface {
	// Name returns the stable identifier used in collector_errors and
	// metric tables.
	Name() string

	// Cadence returns the collector's default rate class.
	Cadence() Cadence

	// Sample produces a fragment or a *Failure error within the context
	// deadline.
	Sample(ctx context.Context) (*Fragment, error)
}

// CommandRunner abstracts external command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecCommandRunner is the default CommandRunner using os/exec.
type ExecCommandRunner struct{}

func (r *ExecCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}
