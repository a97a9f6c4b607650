package collector

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
)

// ToolbridgeCollector shells out to a user-configured external tool that
// prints a JSON fragment on stdout. It gives hardware-vendor utilities a
// way into the snapshot without linking their SDKs. Disabled unless
// collectors.toolbridge_command is set.
type ToolbridgeCollector struct {
	command string
	args    []string
	run     CommandRunner
}

func NewToolbridgeCollector(command string, run CommandRunner) *ToolbridgeCollector {
	if run == nil {
		run = &ExecCommandRunner{}
	}
	fields := strings.Fields(command)
	c := &ToolbridgeCollector{run: run}
	if len(fields) > 0 {
		c.command = fields[0]
		c.args = fields[1:]
	}
	return c
}

func (c *ToolbridgeCollector) Name() string     { return "toolbridge" }
func (c *ToolbridgeCollector) Cadence() Cadence { return CadenceMedium }

func (c *ToolbridgeCollector) Sample(ctx context.Context) (*Fragment, error) {
	if c.command == "" {
		return nil, Failf(ReasonUnsupported, "no toolbridge command configured")
	}

	out, err := c.run.Run(ctx, c.command, c.args...)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, Failf(ReasonMissingDependency, "%s not installed", c.command)
		}
		if ctx.Err() != nil {
			return nil, AsFailure(ctx.Err())
		}
		return nil, Failf(ReasonTransient, "%s: %v", c.command, err)
	}

	var frag Fragment
	if err := json.Unmarshal(out, &frag); err != nil {
		return nil, Failf(ReasonTransient, "decode %s output: %v", c.command, err)
	}
	if frag.Empty() {
		return nil, Failf(ReasonTransient, "%s produced an empty fragment", c.command)
	}
	return &frag, nil
}
