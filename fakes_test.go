package resonancegraphs

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"resonancegraphs/internal/rpc"
)

// fakeSession plays the controller. Every gcode script, capture start/stop
// and analysis is appended to events in the order it happened.
type fakeSession struct {
	mu sync.Mutex

	events    []string
	infoCalls int
	announced int

	readyAfter  int
	objects     []any
	settings    map[string]any
	failScripts map[string]string // script prefix -> error message

	frames       []*rpc.Response
	subscribeErr error
	subRequests  []rpc.Request

	remote     map[string]rpc.RemoteMethod
	registered chan struct{}
	closed     bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		readyAfter: 1,
		objects:    []any{"configfile", "gcode_move", "toolhead"},
		settings: map[string]any{
			"resonance_tester": map[string]any{
				"probe_points": []any{[]any{10.0, 10.0, 20.0}},
				"accel_chip":   "adxl1",
			},
			"respond": map[string]any{},
		},
		failScripts: map[string]string{},
		remote:      map[string]rpc.RemoteMethod{},
		registered:  make(chan struct{}),
	}
}

func (f *fakeSession) record(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeSession) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeSession) count(prefix string) int {
	n := 0
	for _, e := range f.Events() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeSession) Query(ctx context.Context, req rpc.Request) (*rpc.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, errors.New("session closed")
	}

	switch req.Method {
	case "info":
		if req.Params != nil {
			f.announced++
			return &rpc.Response{Result: map[string]any{}}, nil
		}
		f.infoCalls++
		state := "startup"
		if f.infoCalls >= f.readyAfter {
			state = "ready"
		}
		return &rpc.Response{Result: map[string]any{"state": state}}, nil
	case "objects/list":
		return &rpc.Response{Result: map[string]any{"objects": f.objects}}, nil
	case "objects/query":
		return &rpc.Response{Result: map[string]any{
			"status": map[string]any{"configfile": map[string]any{"settings": f.settings}},
		}}, nil
	case "gcode/script":
		script, _ := req.Params["script"].(string)
		f.events = append(f.events, script)
		for prefix, msg := range f.failScripts {
			if strings.HasPrefix(script, prefix) {
				return &rpc.Response{Error: &rpc.ResponseError{Error: "WebRequestError", Message: msg}}, nil
			}
		}
		return &rpc.Response{Result: map[string]any{}}, nil
	default:
		return &rpc.Response{Error: &rpc.ResponseError{Message: "unknown method " + req.Method}}, nil
	}
}

// Subscribe delivers the preset frames; they are all buffered before the
// channel is closed by Cancel.
func (f *fakeSession) Subscribe(ctx context.Context, req rpc.Request) (*rpc.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subRequests = append(f.subRequests, req)
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	sensor, _ := req.Params["sensor"].(string)
	f.events = append(f.events, "capture-start "+sensor)

	frames := make(chan *rpc.Response, len(f.frames))
	for _, fr := range f.frames {
		frames <- fr
	}
	var once sync.Once
	return &rpc.Subscription{
		Frames: frames,
		Cancel: func() {
			once.Do(func() {
				f.record("capture-stop")
				close(frames)
			})
		},
	}, nil
}

func (f *fakeSession) RegisterRemoteMethod(ctx context.Context, name string, fn rpc.RemoteMethod) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote[name] = fn
	select {
	case <-f.registered:
	default:
		close(f.registered)
	}
	return nil
}

func (f *fakeSession) invoke(name string, params map[string]any) {
	f.mu.Lock()
	fn := f.remote[name]
	f.mu.Unlock()
	fn(params)
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeAnalyzer records the invocation and keeps the capture file contents it
// saw, which proves the file was complete when analysis started.
type fakeAnalyzer struct {
	session *fakeSession
	output  string
	err     error

	mu        sync.Mutex
	capture   string
	image     string
	contents  string
	readError error
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, capturePath, imagePath string) (string, error) {
	a.session.record("analyze")
	raw, err := os.ReadFile(capturePath)
	a.mu.Lock()
	a.capture = capturePath
	a.image = imagePath
	a.contents = string(raw)
	a.readError = err
	a.mu.Unlock()
	return a.output, a.err
}

func dataFrame(rows ...[]any) *rpc.Response {
	data := make([]any, len(rows))
	for i, r := range rows {
		data[i] = r
	}
	return &rpc.Response{Params: map[string]any{"data": data}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
