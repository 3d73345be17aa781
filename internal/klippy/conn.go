package klippy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"

	"go.viam.com/rdk/logging"

	"resonancegraphs/internal/rpc"
)

// Every message on the API socket is a JSON object followed by this byte.
const terminator = 0x03

// ErrClosed is returned for calls on a connection that has been shut down.
var ErrClosed = errors.New("klippy: connection closed")

type message struct {
	ID     *uint64            `json:"id,omitempty"`
	Method string             `json:"method,omitempty"`
	Params map[string]any     `json:"params,omitempty"`
	Result map[string]any     `json:"result,omitempty"`
	Error  *rpc.ResponseError `json:"error,omitempty"`
	Key    string             `json:"key,omitempty"`
}

func (m *message) response() *rpc.Response {
	return &rpc.Response{Result: m.Result, Error: m.Error, Params: m.Params}
}

// conn multiplexes id-correlated calls over one socket. Messages without an
// id are handed to onAsync from the read goroutine, in arrival order.
type conn struct {
	nc      net.Conn
	logger  logging.Logger
	onAsync func(*message)
	onClose func()

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *message
	closing bool
	err     error
	done    chan struct{}
}

func newConn(nc net.Conn, logger logging.Logger, onAsync func(*message), onClose func()) *conn {
	c := &conn{
		nc:      nc,
		logger:  logger,
		onAsync: onAsync,
		onClose: onClose,
		pending: make(map[uint64]chan *message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *conn) readLoop() {
	r := bufio.NewReader(c.nc)
	var readErr error
	for {
		raw, err := r.ReadBytes(terminator)
		if err != nil {
			readErr = err
			break
		}
		var msg message
		if err := json.Unmarshal(raw[:len(raw)-1], &msg); err != nil {
			c.logger.Warnf("dropping malformed klippy message: %v", err)
			continue
		}
		if msg.ID != nil {
			c.mu.Lock()
			ch, ok := c.pending[*msg.ID]
			delete(c.pending, *msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- &msg
			}
			continue
		}
		if c.onAsync != nil {
			c.onAsync(&msg)
		}
	}

	c.mu.Lock()
	if c.closing {
		c.err = ErrClosed
	} else {
		c.err = readErr
	}
	c.pending = nil
	c.mu.Unlock()
	close(c.done)

	if c.onClose != nil {
		c.onClose()
	}
}

func (c *conn) call(ctx context.Context, method string, params map[string]any) (*message, error) {
	c.mu.Lock()
	if c.pending == nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(&message{ID: &id, Method: method, Params: params}); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case msg := <-ch:
		return msg, nil
	case <-c.done:
		select {
		case msg := <-ch:
			return msg, nil
		default:
		}
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return nil, err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *conn) forget(id uint64) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *conn) send(msg *message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	raw = append(raw, terminator)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.nc.Write(raw)
	return err
}

// close shuts the socket down; the read goroutine delivers whatever it has
// already buffered and then exits.
func (c *conn) close() error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	return c.nc.Close()
}
