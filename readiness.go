package resonancegraphs

import (
	"context"
	"time"

	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"

	"resonancegraphs/internal/rpc"
)

const (
	clientProgram = "ResonanceGraphs"
	clientVersion = "0.0.1"

	defaultReadyInterval = 2 * time.Second
)

// WaitReady polls the controller until it reports "ready", then announces
// this client once. There is no retry limit; only ctx ends the wait early.
func WaitReady(ctx context.Context, s rpc.Session, interval time.Duration, logger logging.Logger) error {
	if interval <= 0 {
		interval = defaultReadyInterval
	}

	for attempt := 1; ; attempt++ {
		result, err := rpc.Call(ctx, s, rpc.Request{Method: "info"})
		switch {
		case err != nil:
			logger.Warnf("controller info query failed (attempt %d): %v", attempt, err)
		case result["state"] == "ready":
			logger.Infof("controller ready after %d poll(s)", attempt)
			return announce(ctx, s)
		default:
			logger.Debugf("controller state %v, waiting", result["state"])
		}

		if !goutils.SelectContextOrWait(ctx, interval) {
			return ctx.Err()
		}
	}
}

func announce(ctx context.Context, s rpc.Session) error {
	_, err := rpc.Call(ctx, s, rpc.Request{
		Method: "info",
		Params: map[string]any{
			"client_info": map[string]any{
				"program": clientProgram,
				"version": clientVersion,
			},
		},
	})
	return err
}
