package resonancegraphs

import (
	"context"
	"fmt"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

var StatusSensor = resource.NewModel("klippertools", "resonance-graphs", "status")

func init() {
	resource.RegisterComponent(sensor.API, StatusSensor,
		resource.Registration[sensor.Sensor, *StatusSensorConfig]{
			Constructor: newStatusSensor,
		},
	)
}

type StatusSensorConfig struct {
	Tester string `json:"tester"`
}

func (cfg *StatusSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Tester == "" {
		return nil, nil, fmt.Errorf("%s: tester is required", path)
	}
	return []string{resource.NewName(generic.API, cfg.Tester).String()}, nil, nil
}

type statusProvider interface {
	Status() Status
}

// statusSensor turns the tester's status into readings for data capture.
// Besides the raw status it reports whether a capture is streaming and the
// sample rate seen so far, which is how a dead accelerometer shows up
// mid-test.
type statusSensor struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	tester statusProvider
}

func newStatusSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*StatusSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	dep, ok := deps[resource.NewName(generic.API, conf.Tester)]
	if !ok {
		return nil, fmt.Errorf("tester %q not found in dependencies", conf.Tester)
	}
	tester, ok := dep.(statusProvider)
	if !ok {
		return nil, fmt.Errorf("%q is not a resonance tester", conf.Tester)
	}

	return &statusSensor{
		name:   rawConf.ResourceName(),
		logger: logger,
		tester: tester,
	}, nil
}

func (s *statusSensor) Name() resource.Name {
	return s.name
}

func (s *statusSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	return statusReadings(s.tester.Status()), nil
}

func statusReadings(st Status) map[string]interface{} {
	readings := st.Map()
	readings["capturing"] = capturing(st)

	span := st.Capture.LastTime - st.Capture.FirstTime
	readings["capture_span_sec"] = span
	rate := 0.0
	if st.Capture.Samples > 1 && span > 0 {
		rate = float64(st.Capture.Samples-1) / span
	}
	readings["sample_rate_hz"] = rate
	return readings
}

// capturing is true between capture start and the end of capture stop.
func capturing(st Status) bool {
	if st.State != stateTesting {
		return false
	}
	switch st.Phase {
	case phaseTest, phaseStop:
		return true
	}
	return false
}

func (s *statusSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, _ := cmd["command"].(string)
	switch command {
	case "status":
		return statusReadings(s.tester.Status()), nil
	case "last_error":
		return map[string]interface{}{"last_error": s.tester.Status().LastError}, nil
	default:
		return nil, fmt.Errorf("unknown command: %q", command)
	}
}

func (s *statusSensor) Close(context.Context) error {
	return nil
}
