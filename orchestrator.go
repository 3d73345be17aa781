package resonancegraphs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.viam.com/rdk/logging"

	"resonancegraphs/internal/rpc"
)

const (
	defaultDumpMethod = "adxl345/dump_adxl345"
	defaultStateName  = "manual_resonance_run"
)

const (
	stateStarting     = "starting"
	stateWaitingReady = "waiting_ready"
	stateResolving    = "resolving"
	stateIdle         = "idle"
	stateTesting      = "testing"
	stateFailed       = "failed"
	stateStopped      = "stopped"
)

// Options are the orchestrator knobs shared by the Viam service and the CLI.
type Options struct {
	OutputDir       string
	CalibrateScript string
	DumpMethod      string
	StateName       string
	ReadyInterval   time.Duration
}

func (o Options) withDefaults() Options {
	home, _ := os.UserHomeDir()
	if o.OutputDir == "" {
		o.OutputDir = filepath.Join(home, "printer_data", "config")
	}
	if o.CalibrateScript == "" {
		o.CalibrateScript = filepath.Join(home, "klipper", "scripts", "calibrate_shaper.py")
	}
	if o.DumpMethod == "" {
		o.DumpMethod = defaultDumpMethod
	}
	if o.StateName == "" {
		o.StateName = defaultStateName
	}
	if o.ReadyInterval <= 0 {
		o.ReadyInterval = defaultReadyInterval
	}
	return o
}

// Status is a point-in-time view of the orchestrator for operators.
type Status struct {
	State          string
	Phase          string
	Axis           string
	RunID          string
	CaptureFile    string
	Capture        CaptureStats
	TestsCompleted int
	TestsFailed    int
	LastError      string
}

func (s Status) Map() map[string]interface{} {
	return map[string]interface{}{
		"state":            s.State,
		"phase":            s.Phase,
		"axis":             s.Axis,
		"run_id":           s.RunID,
		"capture_file":     s.CaptureFile,
		"samples_captured": s.Capture.Samples,
		"peak_accel_x":     s.Capture.PeakX,
		"peak_accel_y":     s.Capture.PeakY,
		"peak_accel_z":     s.Capture.PeakZ,
		"tests_completed":  s.TestsCompleted,
		"tests_failed":     s.TestsFailed,
		"last_error":       s.LastError,
	}
}

// Orchestrator runs axis tests one at a time on a single control goroutine.
type Orchestrator struct {
	session  rpc.Session
	opts     Options
	logger   logging.Logger
	metrics  *Metrics
	analyzer analyzer
	relay    *requestRelay
	now      func() time.Time

	mu      sync.Mutex
	status  Status
	capture *Capture
}

func NewOrchestrator(s rpc.Session, opts Options, logger logging.Logger, metrics *Metrics) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		session:  s,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
		analyzer: &execAnalyzer{script: opts.CalibrateScript},
		relay:    newRequestRelay(),
		now:      time.Now,
		status:   Status{State: stateStarting},
	}
}

// Run waits for the controller, resolves settings, and then serves test
// requests until ctx is cancelled. Configuration errors end it before any
// request is taken.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.setState(stateWaitingReady)
	if err := WaitReady(ctx, o.session, o.opts.ReadyInterval, o.logger); err != nil {
		return o.finish(err)
	}

	o.setState(stateResolving)
	settings, err := ResolveSettings(ctx, o.session)
	if err != nil {
		return o.finish(err)
	}
	o.logger.Infof("resonance tester: sensor x=%q y=%q, probe point %v", settings.SensorX, settings.SensorY, settings.ProbePoints[0])

	err = o.relay.Register(ctx, o.session, func(req AxisTestRequest, err error) {
		o.logger.Warnf("test request for axis %q abandoned: %v", req.Axis, err)
	})
	if err != nil {
		return o.finish(err)
	}

	o.setState(stateIdle)
	for {
		req, err := o.relay.Next(ctx)
		if err != nil {
			return o.finish(err)
		}
		if err := o.runAxisTest(ctx, settings, req); err != nil {
			o.logger.Warnf("axis test %s failed: %v", req.Axis, err)
		}
		o.setState(stateIdle)
	}
}

// Submit queues a test request with the same backpressure as the remote
// method: it blocks while another request is waiting to be taken.
func (o *Orchestrator) Submit(ctx context.Context, axis string) error {
	return o.relay.Put(ctx, parseAxisTestRequest(map[string]any{"axis": axis}))
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.status
	if o.capture != nil {
		st.Capture = o.capture.Stats()
	}
	return st
}

func (o *Orchestrator) finish(err error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		o.status.State = stateStopped
		return err
	}
	o.status.State = stateFailed
	o.status.LastError = err.Error()
	o.logger.Errorf("resonance tester stopped: %v", err)
	return err
}

func (o *Orchestrator) setState(state string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status.State = state
	o.status.Phase = ""
}

func (o *Orchestrator) setPhase(phase string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status.Phase = phase
}

func (o *Orchestrator) beginRun(axis, runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status.State = stateTesting
	o.status.Axis = axis
	o.status.RunID = runID
	o.status.CaptureFile = ""
	o.capture = nil
}

func (o *Orchestrator) setCapture(c *Capture) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.capture = c
	o.status.CaptureFile = c.Path()
}

func (o *Orchestrator) endRun(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.status.TestsFailed++
		o.status.LastError = err.Error()
		return
	}
	o.status.TestsCompleted++
}
