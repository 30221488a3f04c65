// Package influx records INDI number and switch values as InfluxDB points.
package influx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"indi/pkg/config"
	"indi/pkg/indi"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	log "github.com/sirupsen/logrus"
)

const (
	defaultConnectTimeout = 10 * time.Second

	numberMeasurement = "indi_number"
	switchMeasurement = "indi_switch"

	// timestampLayout is the INDI timestamp format, always UTC.
	timestampLayout = "2006-01-02T15:04:05"
)

// pointWriter is the part of api.WriteAPI the recorder uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Recorder writes one point per member every time a number or switch vector
// is defined or updated. Writes are batched by the InfluxDB client.
type Recorder struct {
	client influxdb2.Client
	writer pointWriter
	logger log.FieldLogger

	mu     sync.RWMutex
	closed bool
}

// Connect creates a client for cfg and verifies the server is healthy.
func Connect(cfg config.InfluxDBConfig, logger log.FieldLogger) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 1000
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	r := newRecorder(writeAPI, logger)
	r.client = client

	go func() {
		for err := range writeAPI.Errors() {
			r.logger.Warnf("InfluxDB write failed: %v", err)
		}
	}()

	return r, nil
}

func newRecorder(w pointWriter, logger log.FieldLogger) *Recorder {
	return &Recorder{
		writer: w,
		logger: logger.WithField("component", "influxdb"),
	}
}

// Attach subscribes the recorder to the vector events of c.
func (r *Recorder) Attach(c *indi.Client) {
	c.OnNumberVector(func(v *indi.NumberVector, _ string) { r.RecordNumbers(v) })
	c.OnSwitchVector(func(v *indi.SwitchVector, _ string) { r.RecordSwitches(v) })
}

// RecordNumbers writes the value of every member of v.
func (r *Recorder) RecordNumbers(v *indi.NumberVector) {
	at := pointTime(v.Timestamp())
	for _, n := range v.Values() {
		r.write(write.NewPoint(
			numberMeasurement,
			tags(v.Device(), v.Name(), n.Name, v.State()),
			map[string]interface{}{"value": n.Value},
			at,
		))
	}
}

// RecordSwitches writes every member of v as a boolean.
func (r *Recorder) RecordSwitches(v *indi.SwitchVector) {
	at := pointTime(v.Timestamp())
	for _, s := range v.Values() {
		r.write(write.NewPoint(
			switchMeasurement,
			tags(v.Device(), v.Name(), s.Name, v.State()),
			map[string]interface{}{"on": s.Value},
			at,
		))
	}
}

func (r *Recorder) write(p *write.Point) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	r.writer.WritePoint(p)
}

// Close flushes pending points and releases the client. Later updates are dropped.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.writer.Flush()
	if r.client != nil {
		r.client.Close()
	}
}

func tags(device, vector, property string, state indi.State) map[string]string {
	return map[string]string{
		"device":   device,
		"vector":   vector,
		"property": property,
		"state":    string(state),
	}
}

// pointTime uses the vector timestamp when the device sent one.
func pointTime(ts string) time.Time {
	if t, err := time.ParseInLocation(timestampLayout, ts, time.UTC); err == nil {
		return t
	}
	return time.Now()
}
