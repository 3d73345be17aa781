package resonancegraphs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"resonancegraphs/internal/rpc"
)

const (
	phaseSaveState = "save_state"
	phaseMove      = "move"
	phaseSettle    = "settle"
	phaseCapture   = "start_capture"
	phaseTest      = "test"
	phaseStop      = "stop_capture"
	phaseAnalyze   = "analyze"
	phaseReport    = "report"
	phaseRestore   = "restore_state"
)

// runAxisTest executes one request. Whatever happens in between, the saved
// gcode state is restored exactly once before it returns, and a failure is
// reported to the operator exactly once.
func (o *Orchestrator) runAxisTest(ctx context.Context, settings *Settings, req AxisTestRequest) (err error) {
	runID := uuid.NewString()
	started := time.Now()
	o.beginRun(req.Axis, runID)
	o.logger.Infof("axis test %s started (run %s)", req.Axis, runID)

	// Restore and the failure report must still reach the machine when ctx
	// is cancelled mid-test.
	detached := context.WithoutCancel(ctx)

	defer func() {
		o.setPhase(phaseRestore)
		if rerr := o.gcode(detached, fmt.Sprintf("RESTORE_GCODE_STATE NAME=%s MOVE=1", o.opts.StateName)); rerr != nil {
			o.metrics.restoreFailed()
			o.logger.Errorf("restoring machine state after %s test (run %s): %v", req.Axis, runID, rerr)
			err = errors.Join(err, fmt.Errorf("restoring machine state: %w", rerr))
		}

		outcome := outcomeSucceeded
		if err != nil {
			outcome = outcomeFailed
		}
		o.metrics.observeTest(axisLabel(req.Axis), outcome, time.Since(started).Seconds())
		o.endRun(err)
		o.logger.Infof("axis test %s %s (run %s)", req.Axis, outcome, runID)
	}()

	if err := o.executeAxisTest(ctx, settings, req); err != nil {
		if rerr := o.respond(detached, err.Error(), true); rerr != nil {
			o.logger.Errorf("reporting %s test failure: %v", req.Axis, rerr)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) executeAxisTest(ctx context.Context, settings *Settings, req AxisTestRequest) error {
	o.setPhase(phaseSaveState)
	if err := o.gcode(ctx, "SAVE_GCODE_STATE NAME="+o.opts.StateName); err != nil {
		return err
	}

	sensor, err := settings.SensorFor(req.Axis)
	if err != nil {
		return err
	}
	point := settings.ProbePoints[0]

	o.setPhase(phaseMove)
	if err := o.gcode(ctx, "G90"); err != nil {
		return err
	}
	move := fmt.Sprintf("G0 X%s Y%s Z%s", formatCoord(point[0]), formatCoord(point[1]), formatCoord(point[2]))
	if err := o.gcode(ctx, move); err != nil {
		return err
	}

	o.setPhase(phaseSettle)
	if err := o.gcode(ctx, "M400"); err != nil {
		return err
	}

	o.setPhase(phaseCapture)
	capture, err := StartCapture(ctx, o.session, o.opts.DumpMethod, sensor, capturePath(o.opts.OutputDir, req.Axis, o.now()), o.logger, o.metrics)
	if err != nil {
		return err
	}
	o.setCapture(capture)
	defer func() { _ = capture.Stop() }()

	o.setPhase(phaseTest)
	if err := o.gcode(ctx, "TEST_RESONANCES AXIS="+req.Axis); err != nil {
		return err
	}

	o.setPhase(phaseStop)
	if err := capture.Stop(); err != nil {
		return fmt.Errorf("capture of %s: %w", sensor, err)
	}

	o.setPhase(phaseAnalyze)
	output, err := o.analyzer.Analyze(ctx, capture.Path(), graphPath(o.opts.OutputDir, req.Axis))
	if err != nil {
		return err
	}

	o.setPhase(phaseReport)
	return o.respond(ctx, output, false)
}

// gcode runs script through the controller's gcode queue.
func (o *Orchestrator) gcode(ctx context.Context, script string) error {
	o.logger.Debugf("gcode: %s", script)
	_, err := rpc.Call(ctx, o.session, rpc.Request{
		Method: "gcode/script",
		Params: map[string]any{"script": script},
	})
	var cmdErr *rpc.CommandError
	if errors.As(err, &cmdErr) {
		cmdErr.Command = script
	}
	return err
}

// respond posts msg to the operator console.
func (o *Orchestrator) respond(ctx context.Context, msg string, isError bool) error {
	kind := "command"
	if isError {
		kind = "error"
	}
	return o.gcode(ctx, fmt.Sprintf("RESPOND TYPE=%s MSG='%s'", kind, feedbackText(msg)))
}

// feedbackText flattens msg to one line; gcode/script would otherwise run
// every further line as its own command.
func feedbackText(msg string) string {
	var parts []string
	for _, line := range strings.FieldsFunc(msg, func(r rune) bool { return r == '\n' || r == '\r' }) {
		if line = strings.TrimSpace(line); line != "" {
			parts = append(parts, line)
		}
	}
	return strings.ReplaceAll(strings.Join(parts, " | "), "'", "\"")
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func axisLabel(axis string) string {
	if axis == "X" || axis == "Y" {
		return axis
	}
	return "invalid"
}
