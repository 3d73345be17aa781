package resonancegraphs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.viam.com/rdk/logging"

	"resonancegraphs/internal/rpc"
)

const captureHeader = "#time,accel_x,accel_y,accel_z\n"

// TelemetrySample is one accelerometer reading as streamed by the controller.
type TelemetrySample struct {
	Time float64
	X    float64
	Y    float64
	Z    float64
}

// CaptureStats summarises what a capture has written so far.
type CaptureStats struct {
	Samples   int
	PeakX     float64
	PeakY     float64
	PeakZ     float64
	FirstTime float64
	LastTime  float64
}

func (st *CaptureStats) add(s TelemetrySample) {
	if st.Samples == 0 {
		st.FirstTime = s.Time
	}
	st.Samples++
	st.LastTime = s.Time
	st.PeakX = math.Max(st.PeakX, math.Abs(s.X))
	st.PeakY = math.Max(st.PeakY, math.Abs(s.Y))
	st.PeakZ = math.Max(st.PeakZ, math.Abs(s.Z))
}

func capturePath(dir, axis string, now time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("raw_dump_%s_%s.csv", axis, now.Format("20060102_150405")))
}

func graphPath(dir, axis string) string {
	return filepath.Join(dir, fmt.Sprintf("shaper_%s_graph.png", axis))
}

// Capture owns one capture file and the worker goroutine writing into it.
type Capture struct {
	path    string
	sensor  string
	logger  logging.Logger
	metrics *Metrics

	sub  *rpc.Subscription
	file *os.File
	w    *bufio.Writer
	done chan struct{}

	// written only by the worker; read after done is closed
	workerErr error

	mu    sync.Mutex
	stats CaptureStats

	stopOnce sync.Once
	stopErr  error
}

// StartCapture creates path with its header, subscribes to the sensor's
// sample stream and starts the writer. Samples streamed after it returns are
// guaranteed to be captured.
func StartCapture(ctx context.Context, s rpc.Session, method, sensor, path string, logger logging.Logger, metrics *Metrics) (*Capture, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating capture file: %w", err)
	}
	w := bufio.NewWriter(f)
	if _, err := w.WriteString(captureHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing capture header: %w", err)
	}

	sub, err := s.Subscribe(ctx, rpc.Request{
		Method: method,
		Params: map[string]any{"sensor": sensor},
	})
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("subscribing to %s: %w", sensor, err)
	}

	c := &Capture{
		path:    path,
		sensor:  sensor,
		logger:  logger,
		metrics: metrics,
		sub:     sub,
		file:    f,
		w:       w,
		done:    make(chan struct{}),
	}
	go c.consume()

	logger.Infof("capturing %s into %s", sensor, path)
	return c, nil
}

func (c *Capture) Path() string {
	return c.path
}

func (c *Capture) Stats() CaptureStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// consume runs until the session closes the frame channel. After a failure
// it keeps draining so the session is never blocked on us.
func (c *Capture) consume() {
	defer close(c.done)

	var row []byte
	for frame := range c.sub.Frames {
		if c.workerErr != nil {
			continue
		}
		if frame.Error != nil {
			c.workerErr = &rpc.CommandError{Command: "capture " + c.sensor, Message: frame.Error.Message}
			continue
		}

		samples, malformed, ok := samplesFromFrame(frame)
		if !ok {
			c.metrics.skipFrame()
			continue
		}
		for i := 0; i < malformed; i++ {
			c.metrics.skipFrame()
		}

		written := 0
		for _, s := range samples {
			row = appendSampleRow(row[:0], s)
			if _, err := c.w.Write(row); err != nil {
				c.workerErr = fmt.Errorf("writing %s: %w", c.path, err)
				break
			}
			written++
		}

		c.mu.Lock()
		for _, s := range samples[:written] {
			c.stats.add(s)
		}
		c.mu.Unlock()
		c.metrics.addSamples(written)
	}
}

// Stop cancels the subscription, waits for the writer to drain everything
// delivered before the cancel took effect, and closes the file. Calling it
// again returns the first result.
func (c *Capture) Stop() error {
	c.stopOnce.Do(func() {
		c.sub.Cancel()
		<-c.done

		c.stopErr = errors.Join(c.workerErr, c.w.Flush(), c.file.Close())
		stats := c.Stats()
		c.logger.Infof("capture of %s finished: %d samples in %s", c.sensor, stats.Samples, c.path)
	})
	return c.stopErr
}

// samplesFromFrame returns ok=false for control frames, which carry no
// params. Rows that are not four numbers are counted in malformed.
func samplesFromFrame(frame *rpc.Response) (samples []TelemetrySample, malformed int, ok bool) {
	if frame.Params == nil {
		return nil, 0, false
	}
	rows, isList := frame.Params["data"].([]any)
	if !isList {
		return nil, 0, false
	}

	samples = make([]TelemetrySample, 0, len(rows))
	for _, raw := range rows {
		s, valid := sampleFromRow(raw)
		if !valid {
			malformed++
			continue
		}
		samples = append(samples, s)
	}
	return samples, malformed, true
}

func sampleFromRow(raw any) (TelemetrySample, bool) {
	row, ok := raw.([]any)
	if !ok || len(row) < 4 {
		return TelemetrySample{}, false
	}
	var v [4]float64
	for i := range v {
		f, ok := toFloat(row[i])
		if !ok {
			return TelemetrySample{}, false
		}
		v[i] = f
	}
	return TelemetrySample{Time: v[0], X: v[1], Y: v[2], Z: v[3]}, true
}

func appendSampleRow(buf []byte, s TelemetrySample) []byte {
	buf = strconv.AppendFloat(buf, s.Time, 'f', 6, 64)
	buf = append(buf, ',')
	buf = strconv.AppendFloat(buf, s.X, 'f', 6, 64)
	buf = append(buf, ',')
	buf = strconv.AppendFloat(buf, s.Y, 'f', 6, 64)
	buf = append(buf, ',')
	buf = strconv.AppendFloat(buf, s.Z, 'f', 6, 64)
	return append(buf, '\n')
}
