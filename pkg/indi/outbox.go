package indi

import (
	"context"
	"io"
	"sync"
	"time"
)

// writeTimeout bounds a single transport write so a stalled peer cannot pin
// the sender between ticks.
const writeTimeout = 5 * time.Second

// queue is the outbound FIFO. Any goroutine may push; only the sender pops.
// written counts the bytes of the head message already on the wire.
type queue struct {
	mu      sync.Mutex
	items   []string
	written int
}

func (q *queue) push(msg string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, msg)
	return len(q.items)
}

func (q *queue) peek() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	return q.items[0], true
}

// head returns the first message and how much of it has been written.
func (q *queue) head() (string, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", 0, false
	}
	return q.items[0], q.written, true
}

func (q *queue) pop() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.written = 0
	if len(q.items) > 0 {
		q.items[0] = ""
		q.items = q.items[1:]
	}
	return len(q.items)
}

// advance records n more bytes of the head message as written after a
// short write.
func (q *queue) advance(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 && n > 0 {
		q.written = min(q.written+n, len(q.items[0]))
	}
}

func (q *queue) clear() {
	q.mu.Lock()
	q.items = nil
	q.written = 0
	q.mu.Unlock()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// sendLoop drains the queue onto w every SendInterval until ctx is cancelled
// or the client stops running.
func (c *Client) sendLoop(ctx context.Context, w io.Writer) {
	logger := c.logger.WithField("worker", "sender")
	logger.Debugf("Sender started, interval %s", c.cfg.SendInterval)
	defer logger.Debug("Sender stopped")

	ticker := time.NewTicker(c.cfg.SendInterval)
	defer ticker.Stop()

	for c.running.Load() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flush(w)
		}
	}
}

// flush writes queued messages in order. A message leaves the queue only once
// it has been written completely; on error the rest waits for the next tick.
func (c *Client) flush(w io.Writer) {
	for c.running.Load() && c.alive.Load() {
		msg, written, ok := c.queue.head()
		if !ok {
			return
		}

		if d, ok := w.(deadliner); ok {
			_ = d.SetWriteDeadline(time.Now().Add(writeTimeout))
		}
		n, err := io.WriteString(w, msg[written:])
		if err != nil {
			c.metrics.sendError()
			c.queue.advance(n)
			c.logger.Debugf("Write failed after %d of %d bytes, retrying next tick: %v", written+n, len(msg), err)
			return
		}

		c.metrics.setQueueDepth(c.queue.pop())
		c.metrics.messageSent(len(msg))
		c.emitMessageSent(msg)
	}
}
