package resonancegraphs

import (
	"context"
	"fmt"
	"strings"

	"resonancegraphs/internal/rpc"
)

// RemoteMethodName is the remote method a gcode macro calls to request a test.
const RemoteMethodName = "test_resonances"

type AxisTestRequest struct {
	Axis string
}

func parseAxisTestRequest(params map[string]any) AxisTestRequest {
	axis, _ := params["axis"].(string)
	return AxisTestRequest{Axis: strings.ToUpper(strings.TrimSpace(axis))}
}

// requestRelay hands requests from remote-method callbacks to the control
// loop. It holds exactly one request; a producer arriving while the slot is
// taken blocks until the loop dequeues.
type requestRelay struct {
	slot chan AxisTestRequest
}

func newRequestRelay() *requestRelay {
	return &requestRelay{slot: make(chan AxisTestRequest, 1)}
}

func (r *requestRelay) Put(ctx context.Context, req AxisTestRequest) error {
	select {
	case r.slot <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *requestRelay) Next(ctx context.Context) (AxisTestRequest, error) {
	select {
	case req := <-r.slot:
		return req, nil
	case <-ctx.Done():
		return AxisTestRequest{}, ctx.Err()
	}
}

// Register routes the test_resonances remote method into the relay. ctx
// bounds how long a stalled callback may wait for the slot.
func (r *requestRelay) Register(ctx context.Context, s rpc.Session, onDrop func(AxisTestRequest, error)) error {
	err := s.RegisterRemoteMethod(ctx, RemoteMethodName, func(params map[string]any) {
		req := parseAxisTestRequest(params)
		if err := r.Put(ctx, req); err != nil && onDrop != nil {
			onDrop(req, err)
		}
	})
	if err != nil {
		return fmt.Errorf("registering %s: %w", RemoteMethodName, err)
	}
	return nil
}
