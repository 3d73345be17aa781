// Package klippy is a session on the Klipper API unix socket.
package klippy

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"sync"

	"go.viam.com/rdk/logging"

	"resonancegraphs/internal/rpc"
)

const frameBuffer = 64

type dialFunc func(ctx context.Context) (net.Conn, error)

// Client implements rpc.Session. Queries and remote methods share one
// connection; every subscription gets its own so cancelling it is a close.
type Client struct {
	dial   dialFunc
	logger logging.Logger
	main   *conn

	mu      sync.Mutex
	nextKey uint64
	methods map[string]*remoteMethod
	subs    map[*conn]struct{}
}

// remoteMethod delivers the invocations of one registered method in arrival
// order on its own goroutine. The read loop only appends to the queue, so a
// callback that blocks holds back later invocations of the same method but
// never a query response.
type remoteMethod struct {
	fn   rpc.RemoteMethod
	wake chan struct{}

	mu    sync.Mutex
	queue []map[string]any
}

func newRemoteMethod(fn rpc.RemoteMethod) *remoteMethod {
	return &remoteMethod{fn: fn, wake: make(chan struct{}, 1)}
}

func (m *remoteMethod) push(params map[string]any) {
	m.mu.Lock()
	m.queue = append(m.queue, params)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *remoteMethod) pop() (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, false
	}
	params := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return params, true
}

func (m *remoteMethod) run(done <-chan struct{}) {
	for {
		select {
		case <-m.wake:
		case <-done:
			return
		}
		for {
			params, ok := m.pop()
			if !ok {
				break
			}
			m.fn(params)
		}
	}
}

var _ rpc.Session = (*Client)(nil)

func Dial(ctx context.Context, path string, logger logging.Logger) (*Client, error) {
	return newClient(ctx, func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	}, logger)
}

func newClient(ctx context.Context, dial dialFunc, logger logging.Logger) (*Client, error) {
	nc, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to klippy: %w", err)
	}
	c := &Client{
		dial:    dial,
		logger:  logger,
		methods: make(map[string]*remoteMethod),
		subs:    make(map[*conn]struct{}),
	}
	c.main = newConn(nc, logger, c.dispatch, nil)
	return c, nil
}

func (c *Client) Query(ctx context.Context, req rpc.Request) (*rpc.Response, error) {
	msg, err := c.main.call(ctx, req.Method, req.Params)
	if err != nil {
		return nil, err
	}
	return msg.response(), nil
}

func (c *Client) RegisterRemoteMethod(ctx context.Context, name string, fn rpc.RemoteMethod) error {
	key := c.newKey("rm")
	m := newRemoteMethod(fn)
	c.mu.Lock()
	c.methods[key] = m
	c.mu.Unlock()

	_, err := rpc.Call(ctx, c, rpc.Request{
		Method: "register_remote_method",
		Params: map[string]any{
			"response_template": map[string]any{"key": key},
			"remote_method":     name,
		},
	})
	if err != nil {
		c.mu.Lock()
		delete(c.methods, key)
		c.mu.Unlock()
		return fmt.Errorf("registering remote method %s: %w", name, err)
	}
	// invocations that arrived before this point are already queued
	go m.run(c.main.done)
	return nil
}

// dispatch runs on the read goroutine and must not block.
func (c *Client) dispatch(msg *message) {
	c.mu.Lock()
	m, ok := c.methods[msg.Key]
	c.mu.Unlock()
	if !ok {
		c.logger.Debugf("ignoring unrouted klippy message (key %q)", msg.Key)
		return
	}
	params := msg.Params
	if params == nil {
		params = map[string]any{}
	}
	m.push(params)
}

func (c *Client) Subscribe(ctx context.Context, req rpc.Request) (*rpc.Subscription, error) {
	nc, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting subscription for %s: %w", req.Method, err)
	}

	key := c.newKey("sub")
	frames := make(chan *rpc.Response, frameBuffer)
	sc := newConn(nc, c.logger, func(msg *message) {
		if msg.Key == key {
			frames <- msg.response()
		}
	}, func() {
		close(frames)
	})

	params := maps.Clone(req.Params)
	if params == nil {
		params = map[string]any{}
	}
	params["response_template"] = map[string]any{"key": key}

	first, err := sc.call(ctx, req.Method, params)
	if err != nil {
		_ = sc.close()
		return nil, fmt.Errorf("subscribing to %s: %w", req.Method, err)
	}
	if first.Error != nil {
		_ = sc.close()
		return nil, &rpc.CommandError{Command: req.Method, Message: first.Error.Message}
	}

	c.mu.Lock()
	c.subs[sc] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, sc)
			c.mu.Unlock()
			if err := sc.close(); err != nil {
				c.logger.Debugf("closing subscription for %s: %v", req.Method, err)
			}
		})
	}
	return &rpc.Subscription{Frames: frames, Cancel: cancel}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	subs := make([]*conn, 0, len(c.subs))
	for sc := range c.subs {
		subs = append(subs, sc)
	}
	c.subs = make(map[*conn]struct{})
	c.mu.Unlock()

	var errs []error
	for _, sc := range subs {
		errs = append(errs, sc.close())
	}
	errs = append(errs, c.main.close())
	return errors.Join(errs...)
}

func (c *Client) newKey(prefix string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextKey++
	return fmt.Sprintf("%s-%d", prefix, c.nextKey)
}
