package resonancegraphs

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"resonancegraphs/internal/rpc"
)

// ProbePoint is an X, Y, Z machine coordinate.
type ProbePoint [3]float64

// Settings is resolved once at startup and never changes afterwards.
type Settings struct {
	SensorX     string
	SensorY     string
	ProbePoints []ProbePoint
	HasRespond  bool
}

// SensorFor returns the accelerometer resolved for axis.
func (s *Settings) SensorFor(axis string) (string, error) {
	var sensor string
	switch axis {
	case "X":
		sensor = s.SensorX
	case "Y":
		sensor = s.SensorY
	default:
		return "", fmt.Errorf("unsupported axis %q", axis)
	}
	if sensor == "" {
		return "", fmt.Errorf("no accelerometer configured for axis %s", axis)
	}
	return sensor, nil
}

// ResolveSettings reads the declared printer configuration and extracts the
// resonance tester settings. Missing preconditions are *rpc.ConfigurationError.
func ResolveSettings(ctx context.Context, s rpc.Session) (*Settings, error) {
	listed, err := rpc.Call(ctx, s, rpc.Request{Method: "objects/list"})
	if err != nil {
		return nil, fmt.Errorf("listing printer objects: %w", err)
	}
	objects, _ := listed["objects"].([]any)
	if !slices.Contains(objects, any("configfile")) {
		return nil, &rpc.ConfigurationError{Reason: "printer does not expose configfile"}
	}

	queried, err := rpc.Call(ctx, s, rpc.Request{
		Method: "objects/query",
		Params: map[string]any{"objects": map[string]any{"configfile": []any{"settings"}}},
	})
	if err != nil {
		return nil, fmt.Errorf("querying configfile settings: %w", err)
	}
	status, _ := queried["status"].(map[string]any)
	configfile, _ := status["configfile"].(map[string]any)
	settings, _ := configfile["settings"].(map[string]any)

	return settingsFromConfig(settings)
}

func settingsFromConfig(settings map[string]any) (*Settings, error) {
	block, ok := settings["resonance_tester"].(map[string]any)
	if !ok {
		return nil, &rpc.ConfigurationError{Reason: "no [resonance_tester] section"}
	}
	if _, ok := settings["respond"]; !ok {
		return nil, &rpc.ConfigurationError{Reason: "no [respond] section, operator feedback is impossible"}
	}

	points, err := parseProbePoints(block["probe_points"])
	if err != nil {
		return nil, &rpc.ConfigurationError{Reason: err.Error()}
	}

	x, y := resolveSensors(block)
	if x == "" && y == "" {
		return nil, &rpc.ConfigurationError{Reason: "resonance_tester has no accel_chip, accel_chip_x or accel_chip_y"}
	}

	return &Settings{
		SensorX:     x,
		SensorY:     y,
		ProbePoints: points,
		HasRespond:  true,
	}, nil
}

// resolveSensors applies the chip precedence: accel_chip serves both axes,
// the per-axis keys are consulted only when it is absent.
func resolveSensors(block map[string]any) (x, y string) {
	if chip := stringSetting(block, "accel_chip"); chip != "" {
		return chip, chip
	}
	return stringSetting(block, "accel_chip_x"), stringSetting(block, "accel_chip_y")
}

func stringSetting(block map[string]any, key string) string {
	v, _ := block[key].(string)
	return strings.TrimSpace(v)
}

func parseProbePoints(raw any) ([]ProbePoint, error) {
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("probe_points must be a non-empty list, got %v", raw)
	}
	points := make([]ProbePoint, 0, len(list))
	for i, entry := range list {
		coords, ok := entry.([]any)
		if !ok || len(coords) != 3 {
			return nil, fmt.Errorf("probe_points[%d] must have 3 coordinates, got %v", i, entry)
		}
		var p ProbePoint
		for j, c := range coords {
			f, ok := toFloat(c)
			if !ok {
				return nil, fmt.Errorf("probe_points[%d][%d] is not numeric: %T", i, j, c)
			}
			p[j] = f
		}
		points = append(points, p)
	}
	return points, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
