package rpc

import (
	"context"
	"errors"
	"testing"
)

type stubSession struct {
	resp *Response
	err  error
}

func (s *stubSession) Query(ctx context.Context, req Request) (*Response, error) {
	return s.resp, s.err
}

func (s *stubSession) Subscribe(ctx context.Context, req Request) (*Subscription, error) {
	return nil, errors.New("not supported")
}

func (s *stubSession) RegisterRemoteMethod(ctx context.Context, name string, fn RemoteMethod) error {
	return nil
}

func (s *stubSession) Close() error {
	return nil
}

func TestCall(t *testing.T) {
	t.Run("returns result", func(t *testing.T) {
		s := &stubSession{resp: &Response{Result: map[string]any{"state": "ready"}}}
		result, err := Call(context.Background(), s, Request{Method: "info"})
		if err != nil {
			t.Fatalf("Call failed: %v", err)
		}
		if result["state"] != "ready" {
			t.Errorf("expected state=ready, got %v", result["state"])
		}
	})

	t.Run("empty result is not nil", func(t *testing.T) {
		s := &stubSession{resp: &Response{}}
		result, err := Call(context.Background(), s, Request{Method: "gcode/script"})
		if err != nil {
			t.Fatalf("Call failed: %v", err)
		}
		if result == nil {
			t.Error("expected empty map, got nil")
		}
	})

	t.Run("error response becomes CommandError", func(t *testing.T) {
		s := &stubSession{resp: &Response{Error: &ResponseError{Message: "Must home axis first"}}}
		_, err := Call(context.Background(), s, Request{Method: "gcode/script"})
		var cmdErr *CommandError
		if !errors.As(err, &cmdErr) {
			t.Fatalf("expected CommandError, got %v", err)
		}
		if cmdErr.Message != "Must home axis first" {
			t.Errorf("unexpected message %q", cmdErr.Message)
		}
		if cmdErr.Command != "gcode/script" {
			t.Errorf("unexpected command %q", cmdErr.Command)
		}
	})

	t.Run("transport failure becomes CommandError", func(t *testing.T) {
		s := &stubSession{err: context.Canceled}
		_, err := Call(context.Background(), s, Request{Method: "info"})
		var cmdErr *CommandError
		if !errors.As(err, &cmdErr) {
			t.Fatalf("expected CommandError, got %v", err)
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected transport error to be wrapped, got %v", err)
		}
	})
}
