package indi

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultPort         = 7624
	DefaultHost         = "127.0.0.1"
	DefaultBufferSize   = 1 << 16
	DefaultCommandSize  = 0x10
	DefaultSendInterval = 100 * time.Millisecond
	DefaultStopGrace    = 100 * time.Millisecond
	DefaultDialTimeout  = 5 * time.Second
)

type connState int

const (
	connStateDisconnected connState = iota
	connStateConnecting
	connStateConnected
)

// DialFunc opens the transport. It has the signature of net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Config holds the client settings. Zero values are replaced by defaults.
type Config struct {
	Address string
	Port    int

	// BufferSize is the read buffer in front of the parser.
	BufferSize int
	// CommandSize is accepted for compatibility and has no effect.
	CommandSize int

	SendInterval time.Duration
	StopGrace    time.Duration
	DialTimeout  time.Duration
	Dial         DialFunc

	// Stream is an already open transport used when no address is set.
	// If it also implements io.Writer the sender writes to it.
	Stream io.Reader

	Logger  log.FieldLogger
	Metrics *Metrics
}

func (cfg *Config) setDefaults() {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.CommandSize <= 0 {
		cfg.CommandSize = DefaultCommandSize
	}
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = DefaultSendInterval
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Dial == nil {
		cfg.Dial = (&net.Dialer{}).DialContext
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
}

// Client is an INDI protocol client. It owns the device registry, a reader
// worker that parses the inbound stream and a sender worker that drains the
// outbound queue.
type Client struct {
	events

	cfg     Config
	logger  log.FieldLogger
	metrics *Metrics
	reg     *registry
	queue   queue

	mu     sync.Mutex // guards the lifecycle fields below
	state  connState
	stream io.Reader
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running   atomic.Bool
	alive     atomic.Bool
	connected atomic.Bool
}

func NewClient(cfg Config) *Client {
	cfg.setDefaults()

	c := &Client{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		reg:     newRegistry(),
		state:   connStateDisconnected,
	}
	c.events.logger = cfg.Logger
	return c
}

// Address returns the configured host:port, or "" when none is set.
func (c *Client) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.Address == "" {
		return ""
	}
	return net.JoinHostPort(c.cfg.Address, strconv.Itoa(c.cfg.Port))
}

func (c *Client) BufferSize() int  { return c.cfg.BufferSize }
func (c *Client) CommandSize() int { return c.cfg.CommandSize }

// Connect opens the transport and starts the workers. Empty address or zero
// port keep the previously configured values. With no address at all the
// configured Stream is used instead.
func (c *Client) Connect(address string, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != connStateDisconnected {
		return ErrAlreadyConnected
	}
	if address != "" {
		c.cfg.Address = address
	}
	if port > 0 {
		c.cfg.Port = port
	}
	if c.cfg.Address != "" && c.cfg.Port <= 0 {
		c.cfg.Port = DefaultPort
	}

	c.state = connStateConnecting

	var stream io.Reader
	var writer io.Writer
	if c.cfg.Address != "" {
		addr := net.JoinHostPort(c.cfg.Address, strconv.Itoa(c.cfg.Port))
		dialCtx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
		conn, err := c.cfg.Dial(dialCtx, "tcp", addr)
		cancel()
		if err != nil {
			c.state = connStateDisconnected
			return fmt.Errorf("failed to connect to %s: %w", addr, err)
		}
		stream, writer = conn, conn
		c.logger.Infof("Connected to INDI server at %s", addr)
	} else if c.cfg.Stream != nil {
		stream = c.cfg.Stream
		writer, _ = c.cfg.Stream.(io.Writer)
		c.logger.Info("Using preconfigured stream")
	} else {
		c.state = connStateDisconnected
		return ErrNoAddress
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.stream = stream
	c.running.Store(true)
	c.alive.Store(true)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop(ctx, stream)
	}()

	if writer != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.sendLoop(ctx, writer)
		}()
	}

	c.state = connStateConnected
	c.connected.Store(true)
	return nil
}

func (c *Client) readLoop(ctx context.Context, r io.Reader) {
	logger := c.logger.WithField("worker", "reader")
	logger.Debug("Reader started")

	p := newParser(c, logger)
	err := p.run(ctx, bufio.NewReaderSize(r, c.cfg.BufferSize), c.running.Load)
	c.alive.Store(false)

	switch {
	case err != nil && ctx.Err() == nil:
		logger.Errorf("Connection lost: %v", err)
	case err == nil && ctx.Err() == nil:
		logger.Info("Stream closed by peer")
	default:
		logger.Debug("Reader stopped")
	}
}

// Connected reports whether the client is connected and its reader is still
// consuming the stream. It is safe to call from event handlers.
func (c *Client) Connected() bool {
	return c.connected.Load() && c.alive.Load()
}

// Disconnect stops both workers, drops unsent messages and closes the
// transport. It is a no-op on a disconnected client. It must not be called
// from an event handler, since it waits for the worker running the handler.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == connStateDisconnected {
		return nil
	}

	c.running.Store(false)
	c.connected.Store(false)
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if !waitTimeout(&c.wg, c.cfg.StopGrace) {
		c.logger.Debugf("Workers still running after %s, closing transport", c.cfg.StopGrace)
	}

	c.queue.clear()
	c.metrics.setQueueDepth(0)

	var closeErr error
	if closer, ok := c.stream.(io.Closer); ok {
		closeErr = closer.Close()
		c.wg.Wait()
	} else if !waitTimeout(&c.wg, time.Second) {
		c.logger.Warn("Reader did not stop on an unclosable stream")
	}
	c.stream = nil
	c.alive.Store(false)
	c.state = connStateDisconnected
	c.logger.Info("Disconnected")

	if closeErr != nil {
		return fmt.Errorf("failed to close transport: %w", closeErr)
	}
	return nil
}

// Dispose disconnects and forgets every known device.
func (c *Client) Dispose() error {
	err := c.Disconnect()
	c.reg.clear()
	c.metrics.setDevices(0)
	return err
}

// Replay parses a one-shot input independently of the connection, for
// offline use and tests. The returned channel yields the terminal error of
// the worker, nil when the input was consumed completely.
func (c *Client) Replay(ctx context.Context, r io.Reader) <-chan error {
	done := make(chan error, 1)
	go func() {
		logger := c.logger.WithField("worker", "replay")
		p := newParser(c, logger)
		done <- p.run(ctx, bufio.NewReaderSize(r, c.cfg.BufferSize), func() bool { return true })
		close(done)
	}()
	return done
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// AddDevice registers dev. Adding a name that is already known is a no-op and
// returns false; the device-added event only fires on first insertion.
func (c *Client) AddDevice(dev *Device) bool {
	if dev == nil || dev.name == "" {
		return false
	}
	registered, added := c.reg.add(dev)
	if !added {
		return false
	}
	registered.attach(c)
	c.metrics.setDevices(c.reg.len())
	c.logger.WithField("device", dev.name).Info("Device added")
	c.emitDeviceAdded(registered)
	return true
}

func (c *Client) RemoveDevice(name string) bool {
	if !c.reg.remove(name) {
		return false
	}
	c.metrics.setDevices(c.reg.len())
	c.logger.WithField("device", name).Info("Device removed")
	return true
}

func (c *Client) GetDevice(name string) (*Device, bool) {
	return c.reg.get(name)
}

// Devices returns the known devices in discovery order.
func (c *Client) Devices() []*Device {
	return c.reg.all()
}

func (c *Client) ensureDevice(name string) *Device {
	if dev, ok := c.reg.get(name); ok {
		return dev
	}
	c.AddDevice(NewDevice(name))
	dev, _ := c.reg.get(name)
	return dev
}

// QueryProperties asks the peer for every property definition.
func (c *Client) QueryProperties() string {
	msg := getPropertiesMessage("")
	c.enqueue(msg)
	return msg
}

// QueryDeviceProperties asks the peer for the definitions of one device.
func (c *Client) QueryDeviceProperties(device string) string {
	msg := getPropertiesMessage(device)
	c.enqueue(msg)
	return msg
}

// DefineProperties renders and queues the definitions of the named device,
// or of every known device when device is empty. An unknown device yields
// an empty string and nothing is queued.
func (c *Client) DefineProperties(device string) string {
	var devices []*Device
	if device == "" {
		devices = c.reg.all()
	} else if dev, ok := c.reg.get(device); ok {
		devices = []*Device{dev}
	}

	var b strings.Builder
	for _, dev := range devices {
		b.WriteString(dev.DefineProperties())
	}
	msg := b.String()
	if msg != "" {
		c.enqueue(msg)
	}
	return msg
}

// Pending returns the number of queued outbound messages.
func (c *Client) Pending() int {
	return c.queue.len()
}

func (c *Client) enqueue(msg string) {
	if msg == "" {
		return
	}
	c.metrics.setQueueDepth(c.queue.push(msg))
}

func (c *Client) publishText(dev *Device, v *TextVector) {
	dev.mu.Lock()
	dev.texts.put(v)
	dev.mu.Unlock()
	c.metrics.vectorUpdated(KindText)
	c.emitTextVector(v)
}

func (c *Client) publishNumber(dev *Device, v *NumberVector) {
	dev.mu.Lock()
	dev.numbers.put(v)
	dev.mu.Unlock()
	c.metrics.vectorUpdated(KindNumber)
	c.emitNumberVector(v)
}

func (c *Client) publishSwitch(dev *Device, v *SwitchVector) {
	dev.mu.Lock()
	dev.switches.put(v)
	dev.mu.Unlock()
	c.metrics.vectorUpdated(KindSwitch)
	c.emitSwitchVector(v)
}

func (c *Client) publishBlob(dev *Device, v *BlobVector) {
	dev.mu.Lock()
	dev.blobs.put(v)
	dev.mu.Unlock()
	c.metrics.vectorUpdated(KindBlob)
	c.emitBlobVector(v)
}
