package indi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDialer returns a dial function backed by net.Pipe. The server end of
// every dialed connection is delivered on the returned channel together with
// the dialed address.
func pipeDialer() (DialFunc, <-chan net.Conn, *[]string) {
	peers := make(chan net.Conn, 4)
	var addrs []string
	dial := func(_ context.Context, _, address string) (net.Conn, error) {
		addrs = append(addrs, address)
		client, server := net.Pipe()
		peers <- server
		return client, nil
	}
	return dial, peers, &addrs
}

func newPipeClient(t *testing.T) (*Client, <-chan net.Conn, *[]string) {
	t.Helper()
	dial, peers, addrs := pipeDialer()
	c := NewClient(Config{
		Dial:         dial,
		SendInterval: 10 * time.Millisecond,
		Logger:       newTestLogger(),
	})
	t.Cleanup(func() { _ = c.Dispose() })
	return c, peers, addrs
}

func readN(t *testing.T, conn net.Conn, n int) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return string(buf)
}

func TestQueryPropertiesOnFreshClient(t *testing.T) {
	c := newTestClient()

	msg := c.QueryProperties()

	assert.Equal(t, `<getProperties version="1.7"/>`, msg)
	require.Equal(t, 1, c.Pending())
	queued, _ := c.queue.peek()
	assert.Equal(t, msg, queued)
}

func TestQueryDeviceProperties(t *testing.T) {
	c := newTestClient()
	assert.Equal(t, `<getProperties version="1.7" device="Cam1"/>`, c.QueryDeviceProperties("Cam1"))
}

func TestConnectSendsAndReceives(t *testing.T) {
	c, peers, addrs := newPipeClient(t)

	require.NoError(t, c.Connect("indi.local", 7625))
	peer := <-peers
	defer peer.Close()

	assert.Equal(t, []string{"indi.local:7625"}, *addrs)
	assert.Equal(t, "indi.local:7625", c.Address())
	assert.True(t, c.Connected())

	msg := c.QueryProperties()
	assert.Equal(t, msg, readN(t, peer, len(msg)))

	added := make(chan string, 1)
	c.OnDeviceAdded(func(dev *Device) { added <- dev.Name() })

	_, err := peer.Write([]byte(`<defSwitchVector device="Cam1" name="CONNECTION" perm="rw"><defSwitch name="CONNECT">Off</defSwitch></defSwitchVector>`))
	require.NoError(t, err)

	select {
	case name := <-added:
		assert.Equal(t, "Cam1", name)
	case <-time.After(2 * time.Second):
		t.Fatal("device was not discovered")
	}
	require.Eventually(t, func() bool {
		dev, ok := c.GetDevice("Cam1")
		if !ok {
			return false
		}
		_, ok = dev.SwitchVector("CONNECTION")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectDefaultsPort(t *testing.T) {
	c, peers, addrs := newPipeClient(t)

	require.NoError(t, c.Connect("localhost", 0))
	peer := <-peers
	defer peer.Close()

	assert.Equal(t, []string{"localhost:7624"}, *addrs)
}

func TestConnectTwice(t *testing.T) {
	c, peers, _ := newPipeClient(t)

	require.NoError(t, c.Connect("localhost", 7624))
	peer := <-peers
	defer peer.Close()

	assert.ErrorIs(t, c.Connect("localhost", 7624), ErrAlreadyConnected)
}

func TestReconnectReusesAddress(t *testing.T) {
	c, peers, addrs := newPipeClient(t)

	require.NoError(t, c.Connect("indi.local", 7000))
	first := <-peers
	defer first.Close()
	require.NoError(t, c.Disconnect())
	assert.False(t, c.Connected())

	require.NoError(t, c.Connect("", 0))
	second := <-peers
	defer second.Close()

	assert.Equal(t, []string{"indi.local:7000", "indi.local:7000"}, *addrs)
	assert.True(t, c.Connected())
}

func TestConnectWithoutAddress(t *testing.T) {
	c := newTestClient()
	assert.ErrorIs(t, c.Connect("", 0), ErrNoAddress)
	assert.False(t, c.Connected())
}

func TestConnectDialFailure(t *testing.T) {
	dialErr := errors.New("connection refused")
	c := NewClient(Config{
		Logger: newTestLogger(),
		Dial: func(context.Context, string, string) (net.Conn, error) {
			return nil, dialErr
		},
	})

	err := c.Connect("localhost", 7624)
	require.Error(t, err)
	assert.ErrorIs(t, err, dialErr)
	assert.False(t, c.Connected())

	// The client stays usable after a failed attempt.
	assert.NotErrorIs(t, c.Connect("localhost", 7624), ErrAlreadyConnected)
}

func TestPeerCloseMarksConnectionBroken(t *testing.T) {
	c, peers, _ := newPipeClient(t)

	require.NoError(t, c.Connect("localhost", 7624))
	peer := <-peers
	require.True(t, c.Connected())

	require.NoError(t, peer.Close())

	require.Eventually(t, func() bool { return !c.Connected() }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Disconnect())
}

func TestDisconnectDropsQueue(t *testing.T) {
	c, peers, _ := newPipeClient(t)

	require.NoError(t, c.Connect("localhost", 7624))
	peer := <-peers
	defer peer.Close()

	// Nobody reads the peer end, so the sender blocks on the first message.
	for i := 0; i < 10; i++ {
		c.QueryProperties()
	}
	require.NoError(t, c.Disconnect())

	assert.Zero(t, c.Pending())
	assert.False(t, c.Connected())
	assert.NoError(t, c.Disconnect())
}

func TestDisposeClearsRegistry(t *testing.T) {
	c := newTestClient()
	replay(t, c, `<defTextVector device="D" name="T"><defText name="a">x</defText></defTextVector>`)
	require.Len(t, c.Devices(), 1)

	require.NoError(t, c.Dispose())
	assert.Empty(t, c.Devices())
}

func TestOfflineStream(t *testing.T) {
	c := NewClient(Config{
		Logger: newTestLogger(),
		Stream: strings.NewReader(`<defNumberVector device="Focuser" name="ABS_FOCUS_POSITION" perm="rw">` +
			`<defNumber name="FOCUS_ABSOLUTE_POSITION" min="0" max="100000" step="10">25000</defNumber></defNumberVector>`),
	})
	defer c.Dispose()

	require.NoError(t, c.Connect("", 0))
	require.Eventually(t, func() bool { return !c.Connected() }, 2*time.Second, 10*time.Millisecond)

	dev, ok := c.GetDevice("Focuser")
	require.True(t, ok)
	n, err := dev.Number("ABS_FOCUS_POSITION", "FOCUS_ABSOLUTE_POSITION")
	require.NoError(t, err)
	assert.Equal(t, 25000.0, n.Value)
	assert.Equal(t, 100000.0, n.Max)
}

func TestConcurrentEnqueuePreservesOrder(t *testing.T) {
	const (
		producers = 4
		perWorker = 50
	)

	c, peers, _ := newPipeClient(t)

	var mu sync.Mutex
	var sent []string
	c.OnMessageSent(func(msg string) {
		mu.Lock()
		sent = append(sent, msg)
		mu.Unlock()
	})

	require.NoError(t, c.Connect("localhost", 7624))
	peer := <-peers
	defer peer.Close()

	var received strings.Builder
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		_, _ = io.Copy(&received, peer)
	}()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				c.enqueue(fmt.Sprintf("<m p=\"%d\" i=\"%d\"/>", p, i))
			}
		}(p)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == producers*perWorker
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	next := make([]int, producers)
	for _, msg := range sent {
		var p, i int
		_, err := fmt.Sscanf(msg, "<m p=\"%d\" i=\"%d\"/>", &p, &i)
		require.NoError(t, err)
		assert.Equal(t, next[p], i, "producer %d out of order", p)
		next[p] = i + 1
	}

	require.NoError(t, c.Disconnect())
	<-readDone
	assert.Equal(t, strings.Join(sent, ""), received.String())
}

// flakyWriter accepts only part of the first write and fails it.
type flakyWriter struct {
	buf    strings.Builder
	failed bool
}

func (w *flakyWriter) Write(p []byte) (int, error) {
	if !w.failed {
		w.failed = true
		n, _ := w.buf.Write(p[:4])
		return n, io.ErrShortWrite
	}
	return w.buf.Write(p)
}

func (w *flakyWriter) String() string { return w.buf.String() }

func TestFlushRetriesRemainder(t *testing.T) {
	c := newTestClient()
	c.running.Store(true)
	c.alive.Store(true)

	var sent []string
	c.OnMessageSent(func(msg string) { sent = append(sent, msg) })

	c.enqueue("<first/>")
	c.enqueue("<second/>")

	w := &flakyWriter{}
	c.flush(w)
	assert.Equal(t, "<fir", w.String())
	assert.Equal(t, 2, c.Pending())
	assert.Empty(t, sent)
	head, _ := c.queue.peek()
	assert.Equal(t, "<first/>", head)

	c.flush(w)
	assert.Equal(t, "<first/><second/>", w.String())
	assert.Zero(t, c.Pending())
	assert.Equal(t, []string{"<first/>", "<second/>"}, sent)
}

func TestFlushIdleWhenStopped(t *testing.T) {
	c := newTestClient()
	c.enqueue("<m/>")

	w := &strings.Builder{}
	c.flush(w)

	assert.Empty(t, w.String())
	assert.Equal(t, 1, c.Pending())
}

func TestAddDevice(t *testing.T) {
	c := newTestClient()
	rec := record(c)

	assert.True(t, c.AddDevice(NewLocalDevice("Sim")))
	assert.False(t, c.AddDevice(NewDevice("Sim")))
	assert.False(t, c.AddDevice(NewDevice("")))
	assert.False(t, c.AddDevice(nil))

	assert.Equal(t, []string{"Sim"}, rec.devices)
	dev, ok := c.GetDevice("Sim")
	require.True(t, ok)
	assert.True(t, dev.Local())

	assert.True(t, c.RemoveDevice("Sim"))
	assert.False(t, c.RemoveDevice("Sim"))
	_, ok = c.GetDevice("Sim")
	assert.False(t, ok)
}

func TestDefinePropertiesScope(t *testing.T) {
	c := newTestClient()
	for _, name := range []string{"A", "B"} {
		dev := NewLocalDevice(name)
		require.NoError(t, dev.AddTextVector(NewVector(name, "INFO", "", "", PermRO, "",
			Text{PropertyInfo: PropertyInfo{Name: "NAME"}, Value: name})))
		c.AddDevice(dev)
	}

	one := c.DefineProperties("B")
	assert.Equal(t, `<defTextVector device="B" name="INFO" state="Idle" perm="ro"><defText name="NAME">B</defText></defTextVector>`, one)

	all := c.DefineProperties("")
	assert.Equal(t, `<defTextVector device="A" name="INFO" state="Idle" perm="ro"><defText name="NAME">A</defText></defTextVector>`+one, all)

	assert.Empty(t, c.DefineProperties("missing"))
	assert.Equal(t, 2, c.Pending())
}
