package session_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/airmic/airmic/internal/addressbook"
	"github.com/airmic/airmic/internal/discovery"
	"github.com/airmic/airmic/internal/session"
	"github.com/airmic/airmic/internal/transport"
	"github.com/airmic/airmic/pkg/audiosink"
	"github.com/airmic/airmic/pkg/frame"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventuallyTimeout = 2 * time.Second
const eventuallyTick = 5 * time.Millisecond

// --------------------------------------------------------------------------------
// Fakes

type fakeBrowser struct {
	events chan discovery.Event

	mu           sync.Mutex
	resolveAddr  discovery.Address
	resolveErr   error
	resolveBlock chan struct{}
	resolveCalls int
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{events: make(chan discovery.Event, 32)}
}

func (b *fakeBrowser) StartSearch(serviceType string) error {
	b.events <- discovery.Event{Kind: discovery.SearchStarted}
	return nil
}

func (b *fakeBrowser) StopSearch() {
	select {
	case b.events <- discovery.Event{Kind: discovery.SearchStopped}:
	default:
	}
}

func (b *fakeBrowser) Events() <-chan discovery.Event {
	return b.events
}

func (b *fakeBrowser) Resolve(ctx context.Context, handle discovery.Handle) (discovery.Address, error) {
	b.mu.Lock()
	b.resolveCalls++
	block := b.resolveBlock
	addr, err := b.resolveAddr, b.resolveErr
	b.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return discovery.Address{}, ctx.Err()
		}
	}
	return addr, err
}

func (b *fakeBrowser) setResolveResult(addr discovery.Address, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolveAddr, b.resolveErr = addr, err
}

func (b *fakeBrowser) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolveCalls
}

type fakeTransport struct {
	mu        sync.Mutex
	bindErr   error
	dialErr   error
	sendErr   error
	listeners []*fakeListener
	conns     []*fakeConn
}

func (t *fakeTransport) BindEphemeral() (transport.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bindErr != nil {
		return nil, t.bindErr
	}
	listener := &fakeListener{
		port:     40000 + len(t.listeners),
		inbound:  make(chan []byte, 32),
		failures: make(chan error, 1),
		closed:   make(chan struct{}),
	}
	t.listeners = append(t.listeners, listener)
	return listener, nil
}

func (t *fakeTransport) Dial(ip string, port int) (transport.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	conn := &fakeConn{dest: fmt.Sprintf("%s:%d", ip, port), sendErr: t.sendErr}
	t.conns = append(t.conns, conn)
	return conn, nil
}

func (t *fakeTransport) listener(i int) *fakeListener {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.listeners) {
		return nil
	}
	return t.listeners[i]
}

func (t *fakeTransport) conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.conns) {
		return nil
	}
	return t.conns[i]
}

func (t *fakeTransport) listenerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}

type fakeListener struct {
	port      int
	inbound   chan []byte
	failures  chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *fakeListener) Receive() ([]byte, error) {
	select {
	case payload := <-l.inbound:
		return payload, nil
	case err := <-l.failures:
		return nil, err
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *fakeListener) Port() int { return l.port }

func (l *fakeListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeListener) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

type fakeConn struct {
	dest    string
	sendErr error

	mu       sync.Mutex
	payloads [][]byte
	closed   bool
}

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.payloads = append(c.payloads, append([]byte(nil), payload...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sentPayloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, p := range c.payloads {
		out = append(out, string(p))
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeSink struct {
	properties audiosink.Properties

	mu         sync.Mutex
	running    bool
	startErr   error
	played     int
	startCalls int
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		properties: audiosink.Properties{
			Format:      frame.FormatFloat32,
			SampleRate:  44100,
			NumChannels: 2,
		},
		running: true,
	}
}

func (s *fakeSink) GetProperties() audiosink.Properties { return s.properties }

func (s *fakeSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCalls++
	if s.startErr != nil {
		return s.startErr
	}
	s.running = true
	return nil
}

func (s *fakeSink) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *fakeSink) Play(f *frame.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.played++
	return nil
}

func (s *fakeSink) setRunning(running bool, startErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
	s.startErr = startErr
}

func (s *fakeSink) framesPlayed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.played
}

// --------------------------------------------------------------------------------
// Harness

type harness struct {
	browser    *fakeBrowser
	transport  *fakeTransport
	sink       *fakeSink
	controller *session.Controller
}

func newHarness(t *testing.T, config session.Config) *harness {
	t.Helper()
	h := &harness{
		browser:   newFakeBrowser(),
		transport: &fakeTransport{},
		sink:      newFakeSink(),
	}
	h.controller = session.NewController(h.browser, h.transport, h.sink, config, nil)
	t.Cleanup(h.controller.Close)
	return h
}

// Advertise a device and wait for it to appear in the table.
func (h *harness) discover(t *testing.T, name string) session.DeviceView {
	t.Helper()
	h.browser.events <- discovery.Event{Kind: discovery.ServiceFound, Name: name, Handle: name}

	var view session.DeviceView
	require.Eventually(t, func() bool {
		for _, d := range h.controller.Snapshot().Devices {
			if d.Name == name {
				view = d
				return true
			}
		}
		return false
	}, eventuallyTimeout, eventuallyTick)
	return view
}

// Advertise and resolve a device to the given address.
func (h *harness) discoverResolved(t *testing.T, name string, addr discovery.Address) session.DeviceView {
	t.Helper()
	view := h.discover(t, name)
	h.browser.setResolveResult(addr, nil)
	resolved, err := h.controller.ResolveDevice(view.ID)
	require.NoError(t, err)
	require.Equal(t, addr, resolved)
	return view
}

func (h *harness) deviceState(name string) addressbook.ConnectionState {
	for _, d := range h.controller.Snapshot().Devices {
		if d.Name == name {
			return d.State
		}
	}
	return addressbook.ConnectionState{Kind: -1}
}

// --------------------------------------------------------------------------------
// Resolution

func TestResolveRecordsAddress(t *testing.T) {
	h := newHarness(t, session.Config{})
	h.discoverResolved(t, "Pixel-7", discovery.Address{IP: "192.168.1.50", Port: 5005})

	snap := h.controller.Snapshot()
	require.Len(t, snap.Devices, 1)
	assert.Equal(t, "192.168.1.50", snap.Devices[0].IPAddress)
	assert.Equal(t, 5005, snap.Devices[0].Port)
	assert.False(t, snap.Devices[0].Resolving)
}

func TestResolveIsIdempotentInFlight(t *testing.T) {
	h := newHarness(t, session.Config{})
	view := h.discover(t, "Pixel-7")

	block := make(chan struct{})
	h.browser.mu.Lock()
	h.browser.resolveBlock = block
	h.browser.resolveAddr = discovery.Address{IP: "192.168.1.50", Port: 5005}
	h.browser.mu.Unlock()

	firstDone := make(chan error, 1)
	go func() {
		_, err := h.controller.ResolveDevice(view.ID)
		firstDone <- err
	}()

	// Wait until the first resolution is visibly in flight.
	require.Eventually(t, func() bool {
		return h.controller.Snapshot().Devices[0].Resolving
	}, eventuallyTimeout, eventuallyTick)

	_, err := h.controller.ResolveDevice(view.ID)
	assert.ErrorIs(t, err, session.ErrResolveInFlight)

	close(block)
	require.NoError(t, <-firstDone)

	require.Eventually(t, func() bool {
		d := h.controller.Snapshot().Devices[0]
		return !d.Resolving && d.IPAddress == "192.168.1.50"
	}, eventuallyTimeout, eventuallyTick)
	assert.Equal(t, 1, h.browser.calls(), "second call must not re-trigger resolution")
}

func TestResolveTimeoutLeavesDeviceUnresolvedNotErrored(t *testing.T) {
	h := newHarness(t, session.Config{ResolveTimeout: 50 * time.Millisecond})
	view := h.discover(t, "Pixel-7")

	h.browser.mu.Lock()
	h.browser.resolveBlock = make(chan struct{}) // never closed
	h.browser.mu.Unlock()

	_, err := h.controller.ResolveDevice(view.ID)
	assert.ErrorIs(t, err, session.ErrResolutionTimeout)

	require.Eventually(t, func() bool {
		return !h.controller.Snapshot().Devices[0].Resolving
	}, eventuallyTimeout, eventuallyTick)

	d := h.controller.Snapshot().Devices[0]
	assert.Empty(t, d.IPAddress, "timeout must not produce a partial address")
	assert.Equal(t, addressbook.StateDisconnected, d.State.Kind, "timeout does not error the device")
}

func TestResolveFailurePropagates(t *testing.T) {
	h := newHarness(t, session.Config{})
	view := h.discover(t, "Pixel-7")
	h.browser.setResolveResult(discovery.Address{}, errors.New("no answer"))

	_, err := h.controller.ResolveDevice(view.ID)
	assert.ErrorIs(t, err, session.ErrResolutionFailed)
	assert.Equal(t, addressbook.StateDisconnected, h.deviceState("Pixel-7").Kind)
}

// --------------------------------------------------------------------------------
// Connect and handshake

func TestConnectUnresolvedDeviceFailsWithoutSession(t *testing.T) {
	h := newHarness(t, session.Config{})
	view := h.discover(t, "Pixel-7")

	err := h.controller.Connect(view.ID)
	assert.ErrorIs(t, err, session.ErrDeviceNotResolved)

	snap := h.controller.Snapshot()
	assert.Equal(t, addressbook.StateError, snap.Devices[0].State.Kind)
	assert.Equal(t, "device not resolved", snap.Devices[0].State.Message)
	assert.Nil(t, snap.Current)
	assert.Zero(t, h.transport.listenerCount(), "no session may be created")
}

func TestConnectUnknownDevice(t *testing.T) {
	h := newHarness(t, session.Config{})
	err := h.controller.Connect(uuid.New())
	assert.ErrorIs(t, err, session.ErrUnknownDevice)
}

func TestHandshakeSendsConnectPayloadWithListeningPort(t *testing.T) {
	h := newHarness(t, session.Config{})
	view := h.discoverResolved(t, "Pixel-7", discovery.Address{IP: "192.168.1.50", Port: 5005})

	require.NoError(t, h.controller.Connect(view.ID))

	require.Eventually(t, func() bool {
		return h.deviceState("Pixel-7").Kind == addressbook.StateConnected
	}, eventuallyTimeout, eventuallyTick)

	conn := h.transport.conn(0)
	require.NotNil(t, conn)
	assert.Equal(t, "192.168.1.50:5005", conn.dest)

	// The advertised port is the local listening port, never the
	// destination port.
	listener := h.transport.listener(0)
	require.NotNil(t, listener)
	assert.Equal(t, []string{fmt.Sprintf("CONNECT:%d", listener.Port())}, conn.sentPayloads())
}

func TestHandshakeSocketClosesAfterLinger(t *testing.T) {
	h := newHarness(t, session.Config{HandshakeLinger: 20 * time.Millisecond})
	view := h.discoverResolved(t, "Pixel-7", discovery.Address{IP: "192.168.1.50", Port: 5005})
	require.NoError(t, h.controller.Connect(view.ID))

	require.Eventually(t, func() bool {
		conn := h.transport.conn(0)
		return conn != nil && conn.isClosed()
	}, eventuallyTimeout, eventuallyTick)

	// The listening socket stays open for the audio stream.
	assert.False(t, h.transport.listener(0).isClosed())
	assert.Equal(t, addressbook.StateConnected, h.deviceState("Pixel-7").Kind)
}

func TestListenerBindFailureIsTerminal(t *testing.T) {
	h := newHarness(t, session.Config{})
	view := h.discoverResolved(t, "Pixel-7", discovery.Address{IP: "192.168.1.50", Port: 5005})

	h.transport.mu.Lock()
	h.transport.bindErr = errors.New("address in use")
	h.transport.mu.Unlock()

	require.NoError(t, h.controller.Connect(view.ID))

	require.Eventually(t, func() bool {
		return h.deviceState("Pixel-7").Kind == addressbook.StateError
	}, eventuallyTimeout, eventuallyTick)

	snap := h.controller.Snapshot()
	assert.Contains(t, snap.LastError, "listener bind failed")
	assert.Nil(t, snap.Current)
}

func TestHandshakeSendFailureIsTerminal(t *testing.T) {
	h := newHarness(t, session.Config{})
	view := h.discoverResolved(t, "Pixel-7", discovery.Address{IP: "192.168.1.50", Port: 5005})

	h.transport.mu.Lock()
	h.transport.sendErr = errors.New("network unreachable")
	h.transport.mu.Unlock()

	require.NoError(t, h.controller.Connect(view.ID))

	require.Eventually(t, func() bool {
		return h.deviceState("Pixel-7").Kind == addressbook.StateError
	}, eventuallyTimeout, eventuallyTick)

	assert.Contains(t, h.controller.Snapshot().LastError, "handshake send failed")
	assert.True(t, h.transport.listener(0).isClosed(), "teardown must close the listener")
}

// --------------------------------------------------------------------------------
// Streaming ingest

func startStreaming(t *testing.T, h *harness) (session.DeviceView, *fakeListener) {
	t.Helper()
	view := h.discoverResolved(t, "Pixel-7", discovery.Address{IP: "192.168.1.50", Port: 5005})
	require.NoError(t, h.controller.Connect(view.ID))
	require.Eventually(t, func() bool {
		return h.deviceState("Pixel-7").Kind == addressbook.StateConnected
	}, eventuallyTimeout, eventuallyTick)
	return view, h.transport.listener(0)
}

func TestFirstDatagramTransitionsToStreamingExactlyOnce(t *testing.T) {
	h := newHarness(t, session.Config{})
	_, listener := startStreaming(t, h)

	listener.inbound <- make([]byte, 4096)
	require.Eventually(t, func() bool {
		return h.deviceState("Pixel-7").Kind == addressbook.StateStreaming
	}, eventuallyTimeout, eventuallyTick)

	listener.inbound <- make([]byte, 2048)
	require.Eventually(t, func() bool {
		return h.controller.Snapshot().Stats.TotalPackets == 2
	}, eventuallyTimeout, eventuallyTick)

	snap := h.controller.Snapshot()
	assert.Equal(t, addressbook.StateStreaming, snap.Current.State.Kind)
	assert.EqualValues(t, 4096+2048, snap.Stats.TotalBytes)

	started := 0
	for _, entry := range snap.Log {
		if strings.Contains(entry, "stream started") {
			started++
		}
	}
	assert.Equal(t, 1, started, "streaming transition happens at most once per session")
}

func TestIngestFeedsSinkAndLevel(t *testing.T) {
	h := newHarness(t, session.Config{})
	_, listener := startStreaming(t, h)

	// Full-scale square wave: level 1.0.
	payload := make([]byte, 1024)
	for i := 0; i < len(payload); i += 2 {
		payload[i] = 0xff
		payload[i+1] = 0x7f
	}
	listener.inbound <- payload

	require.Eventually(t, func() bool {
		return h.sink.framesPlayed() == 1
	}, eventuallyTimeout, eventuallyTick)
	assert.InDelta(t, 1.0, h.controller.Snapshot().Level, 1e-6)
}

func TestStalledSinkDropsFrameButSessionContinues(t *testing.T) {
	h := newHarness(t, session.Config{})
	_, listener := startStreaming(t, h)

	h.sink.setRunning(false, errors.New("device busy"))

	listener.inbound <- make([]byte, 512)
	require.Eventually(t, func() bool {
		return h.controller.Snapshot().Stats.TotalPackets == 1
	}, eventuallyTimeout, eventuallyTick)
	assert.Zero(t, h.sink.framesPlayed(), "frame is dropped while the sink is stalled")
	assert.Equal(t, addressbook.StateStreaming, h.deviceState("Pixel-7").Kind, "sink stall is not a session error")

	// Restart succeeds on the next packet.
	h.sink.setRunning(false, nil)
	listener.inbound <- make([]byte, 512)
	require.Eventually(t, func() bool {
		return h.sink.framesPlayed() == 1
	}, eventuallyTimeout, eventuallyTick)
	assert.True(t, h.sink.IsRunning())
	assert.EqualValues(t, 2, h.controller.Snapshot().Stats.TotalPackets, "stalled frames still count in statistics")
}

func TestReceiveErrorTearsDownSession(t *testing.T) {
	h := newHarness(t, session.Config{})
	_, listener := startStreaming(t, h)

	listener.failures <- errors.New("socket gone")

	require.Eventually(t, func() bool {
		return h.deviceState("Pixel-7").Kind == addressbook.StateError
	}, eventuallyTimeout, eventuallyTick)

	snap := h.controller.Snapshot()
	assert.Contains(t, snap.LastError, "stream receive error")
	assert.Nil(t, snap.Current)
	assert.True(t, listener.isClosed())
}

// --------------------------------------------------------------------------------
// Teardown

func TestDisconnectWithNoSessionIsNoOp(t *testing.T) {
	h := newHarness(t, session.Config{})
	before := h.controller.Snapshot()

	h.controller.Disconnect()

	after := h.controller.Snapshot()
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Devices, after.Devices)
	assert.Nil(t, after.Current)
	assert.Len(t, after.Log, len(before.Log)+1, "no-op disconnect leaves only a log entry")
}

func TestDisconnectTearsDownStreamingSession(t *testing.T) {
	h := newHarness(t, session.Config{})
	_, listener := startStreaming(t, h)
	listener.inbound <- make([]byte, 4096)
	require.Eventually(t, func() bool {
		return h.controller.Snapshot().Level > 0 || h.controller.Snapshot().Stats.TotalPackets == 1
	}, eventuallyTimeout, eventuallyTick)

	h.controller.Disconnect()

	snap := h.controller.Snapshot()
	assert.Equal(t, addressbook.StateDisconnected, h.deviceState("Pixel-7").Kind)
	assert.Nil(t, snap.Current)
	assert.Zero(t, snap.Level, "audio level resets on disconnect")
	assert.True(t, listener.isClosed())
	assert.Zero(t, snap.Stats.TotalPackets, "statistics are discarded with the session")
}

func TestReconnectTearsDownPriorSessionFirst(t *testing.T) {
	h := newHarness(t, session.Config{})

	first := h.discoverResolved(t, "Pixel-7", discovery.Address{IP: "192.168.1.50", Port: 5005})
	require.NoError(t, h.controller.Connect(first.ID))
	require.Eventually(t, func() bool {
		return h.deviceState("Pixel-7").Kind == addressbook.StateConnected
	}, eventuallyTimeout, eventuallyTick)

	second := h.discoverResolved(t, "Galaxy-S24", discovery.Address{IP: "192.168.1.60", Port: 5006})
	require.NoError(t, h.controller.Connect(second.ID))
	require.Eventually(t, func() bool {
		return h.deviceState("Galaxy-S24").Kind == addressbook.StateConnected
	}, eventuallyTimeout, eventuallyTick)

	assert.True(t, h.transport.listener(0).isClosed(), "prior session's listener must be closed")
	assert.False(t, h.transport.listener(1).isClosed())
	assert.Equal(t, addressbook.StateDisconnected, h.deviceState("Pixel-7").Kind)

	require.NotNil(t, h.controller.Snapshot().Current)
	assert.Equal(t, "Galaxy-S24", h.controller.Snapshot().Current.Name)
	assert.Equal(t, "192.168.1.60:5006", h.transport.conn(1).dest)
}

// --------------------------------------------------------------------------------
// Discovery events

func TestSearchLifecycleAndDeviceRemoval(t *testing.T) {
	h := newHarness(t, session.Config{})
	require.NoError(t, h.controller.StartSearch())

	require.Eventually(t, func() bool {
		return h.controller.Snapshot().Searching
	}, eventuallyTimeout, eventuallyTick)

	h.discover(t, "Pixel-7")
	h.browser.events <- discovery.Event{Kind: discovery.ServiceRemoved, Name: "Pixel-7"}
	require.Eventually(t, func() bool {
		return len(h.controller.Snapshot().Devices) == 0
	}, eventuallyTimeout, eventuallyTick)

	h.controller.StopSearch()
	require.Eventually(t, func() bool {
		return !h.controller.Snapshot().Searching
	}, eventuallyTimeout, eventuallyTick)
}

func TestEventLogIsBounded(t *testing.T) {
	h := newHarness(t, session.Config{})
	for i := 0; i < 60; i++ {
		h.discover(t, fmt.Sprintf("mic-%d", i))
	}
	snap := h.controller.Snapshot()
	assert.LessOrEqual(t, len(snap.Log), 50)
	assert.Contains(t, snap.Log[len(snap.Log)-1], "mic-59", "newest entries are kept")
}
