package resonancegraphs

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParseAxisTestRequest(t *testing.T) {
	tests := []struct {
		params map[string]any
		want   string
	}{
		{map[string]any{"axis": "x"}, "X"},
		{map[string]any{"axis": " Y "}, "Y"},
		{map[string]any{"axis": 1.0}, ""},
		{map[string]any{}, ""},
	}
	for _, tc := range tests {
		if got := parseAxisTestRequest(tc.params).Axis; got != tc.want {
			t.Errorf("parseAxisTestRequest(%v) = %q, want %q", tc.params, got, tc.want)
		}
	}
}

func TestRequestRelayBackpressure(t *testing.T) {
	r := newRequestRelay()
	ctx := context.Background()

	if err := r.Put(ctx, AxisTestRequest{Axis: "X"}); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}

	second := make(chan error, 1)
	go func() { second <- r.Put(ctx, AxisTestRequest{Axis: "Y"}) }()

	select {
	case err := <-second:
		t.Fatalf("second Put must block while the slot is full, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	req, err := r.Next(ctx)
	if err != nil || req.Axis != "X" {
		t.Fatalf("Next = %v, %v; want X", req, err)
	}
	select {
	case err := <-second:
		if err != nil {
			t.Fatalf("second Put failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second Put did not complete after the slot was freed")
	}

	req, err = r.Next(ctx)
	if err != nil || req.Axis != "Y" {
		t.Fatalf("Next = %v, %v; want Y", req, err)
	}
}

func TestRequestRelayCancel(t *testing.T) {
	r := newRequestRelay()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected Next to return context.Canceled, got %v", err)
	}

	_ = r.Put(context.Background(), AxisTestRequest{Axis: "X"})
	if err := r.Put(ctx, AxisTestRequest{Axis: "Y"}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected blocked Put to return context.Canceled, got %v", err)
	}
}

func TestRequestRelayRegister(t *testing.T) {
	s := newFakeSession()
	r := newRequestRelay()
	ctx, cancel := context.WithCancel(context.Background())

	var dropped []AxisTestRequest
	if err := r.Register(ctx, s, func(req AxisTestRequest, err error) { dropped = append(dropped, req) }); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	s.invoke(RemoteMethodName, map[string]any{"axis": "y"})
	req, err := r.Next(ctx)
	if err != nil || req.Axis != "Y" {
		t.Fatalf("Next = %v, %v; want Y", req, err)
	}

	// fill the slot, then a callback arriving after shutdown is reported
	s.invoke(RemoteMethodName, map[string]any{"axis": "x"})
	cancel()
	s.invoke(RemoteMethodName, map[string]any{"axis": "y"})
	if len(dropped) != 1 || dropped[0].Axis != "Y" {
		t.Errorf("expected one dropped Y request, got %v", dropped)
	}
}
