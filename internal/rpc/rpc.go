// Package rpc defines the session surface the orchestrator consumes from the
// controller: request/response queries, cancellable subscriptions and remote
// method registration.
package rpc

import (
	"context"
	"fmt"
)

// Request is a single method call on the session.
type Request struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// ResponseError is the error payload of a failed request.
type ResponseError struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message"`
}

// Response carries either Result or Error. Subscription frames carry Params.
type Response struct {
	Result map[string]any `json:"result,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// Subscription is a lazily produced frame sequence. Frames is closed by the
// session once Cancel has taken effect or the upstream ended; every frame
// received before that is delivered first.
type Subscription struct {
	Frames <-chan *Response
	Cancel func()
}

// RemoteMethod is invoked with the parameters of an inbound call.
type RemoteMethod func(params map[string]any)

type Session interface {
	Query(ctx context.Context, req Request) (*Response, error)
	Subscribe(ctx context.Context, req Request) (*Subscription, error)
	RegisterRemoteMethod(ctx context.Context, name string, fn RemoteMethod) error
	Close() error
}

// CommandError is returned when a query or command comes back with an error
// response, or could not be delivered at all.
type CommandError struct {
	Command string
	Message string
	// Err is the transport failure, if the command never got a response.
	Err error
}

func (e *CommandError) Error() string {
	return e.Message
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ConfigurationError marks a missing precondition that must abort startup.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s", e.Reason)
}

// Call runs req and returns its result, turning error responses and
// transport failures into a *CommandError.
func Call(ctx context.Context, s Session, req Request) (map[string]any, error) {
	resp, err := s.Query(ctx, req)
	if err != nil {
		return nil, &CommandError{Command: req.Method, Message: err.Error(), Err: err}
	}
	if resp.Error != nil {
		return nil, &CommandError{Command: req.Method, Message: resp.Error.Message}
	}
	if resp.Result == nil {
		return map[string]any{}, nil
	}
	return resp.Result, nil
}
