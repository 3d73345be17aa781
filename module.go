package resonancegraphs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"

	"resonancegraphs/internal/klippy"
	"resonancegraphs/internal/rpc"
)

var Tester = resource.NewModel("klippertools", "resonance-graphs", "tester")

func init() {
	resource.RegisterService(generic.API, Tester,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newResonanceTester,
		},
	)
}

type Config struct {
	SocketPath       string  `json:"socket_path"`
	OutputDir        string  `json:"output_dir,omitempty"`
	CalibrateScript  string  `json:"calibrate_script,omitempty"`
	DumpMethod       string  `json:"dump_method,omitempty"`        // default adxl345/dump_adxl345
	StateName        string  `json:"state_name,omitempty"`         // default manual_resonance_run
	ReadyIntervalSec float64 `json:"ready_interval_sec,omitempty"` // default 2
}

func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.SocketPath == "" {
		return nil, nil, fmt.Errorf("%s: socket_path is required", path)
	}
	if cfg.ReadyIntervalSec < 0 {
		return nil, nil, fmt.Errorf("%s: ready_interval_sec must not be negative", path)
	}
	return nil, nil, nil
}

func (cfg *Config) Options() Options {
	return Options{
		OutputDir:       cfg.OutputDir,
		CalibrateScript: cfg.CalibrateScript,
		DumpMethod:      cfg.DumpMethod,
		StateName:       cfg.StateName,
		ReadyInterval:   time.Duration(cfg.ReadyIntervalSec * float64(time.Second)),
	}
}

type resonanceTester struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *Config

	session  rpc.Session
	orch     *Orchestrator
	registry *prometheus.Registry

	cancelCtx  context.Context
	cancelFunc func()
	done       chan struct{}
}

func newResonanceTester(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewTester(ctx, rawConf.ResourceName(), conf, logger)
}

// NewTester connects to the klippy socket and starts serving test requests
// in the background.
func NewTester(ctx context.Context, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	session, err := klippy.Dial(ctx, conf.SocketPath, logger.Sublogger("klippy"))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", conf.SocketPath, err)
	}
	return newTesterWithSession(name, conf, session, logger), nil
}

func newTesterWithSession(name resource.Name, conf *Config, session rpc.Session, logger logging.Logger) *resonanceTester {
	registry := prometheus.NewRegistry()
	cancelCtx, cancelFunc := context.WithCancel(context.Background())

	s := &resonanceTester{
		name:       name,
		logger:     logger,
		cfg:        conf,
		session:    session,
		orch:       NewOrchestrator(session, conf.Options(), logger, NewMetrics(registry)),
		registry:   registry,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
		done:       make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *resonanceTester) run() {
	defer close(s.done)
	err := s.orch.Run(s.cancelCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Errorf("resonance tester is not serving requests: %v", err)
	}
}

func (s *resonanceTester) Name() resource.Name {
	return s.name
}

// Status feeds the status sensor.
func (s *resonanceTester) Status() Status {
	return s.orch.Status()
}

func (s *resonanceTester) GetState() map[string]interface{} {
	return s.Status().Map()
}

func (s *resonanceTester) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "test_resonances":
		return s.handleTestResonances(ctx, cmd)
	case "status":
		return s.GetState(), nil
	case "metrics":
		return gatherMetrics(s.registry)
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

// handleTestResonances blocks while another request is already waiting.
func (s *resonanceTester) handleTestResonances(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	axis, ok := cmd["axis"].(string)
	if !ok || axis == "" {
		return nil, fmt.Errorf("missing or invalid 'axis' field")
	}
	if err := s.orch.Submit(ctx, axis); err != nil {
		return nil, fmt.Errorf("queueing %s test: %w", axis, err)
	}
	return map[string]interface{}{"status": "queued", "axis": axis}, nil
}

func gatherMetrics(g prometheus.Gatherer) (map[string]interface{}, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, fmt.Errorf("gathering metrics: %w", err)
	}
	out := make(map[string]interface{}, len(families))
	for _, mf := range families {
		var total float64
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
		out[mf.GetName()] = total
	}
	return out, nil
}

// Close stops the loop and waits for it before closing the session: a test
// interrupted by the cancel still restores machine state over that session.
func (s *resonanceTester) Close(context.Context) error {
	s.cancelFunc()
	<-s.done
	return s.session.Close()
}
