// Package session implements the device session engine: the single-owner
// state machine tying discovery, the connect handshake, datagram ingest,
// and teardown together.
//
// All mutable state (the address book, the active session, statistics) is
// owned by one goroutine draining a task queue. Discovery callbacks,
// resolution results, and socket events are marshalled onto that goroutine
// as closures; nothing mutates shared state from anywhere else.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/airmic/airmic/internal/addressbook"
	"github.com/airmic/airmic/internal/discovery"
	"github.com/airmic/airmic/internal/stats"
	"github.com/airmic/airmic/internal/transport"
	"github.com/airmic/airmic/pkg/audiosink"
	"github.com/google/uuid"
)

var (
	ErrUnknownDevice     = errors.New("unknown device")
	ErrDeviceNotResolved = errors.New("device not resolved")
	ErrResolveInFlight   = errors.New("resolution already in flight")
	ErrResolutionTimeout = errors.New("resolution timed out")
	ErrResolutionFailed  = errors.New("resolution failed")
)

const eventLogCap = 50

// Tunables of the session engine. The zero value is completed by defaults.
type Config struct {
	// The mDNS service category searched for microphone advertisements.
	ServiceType string

	// How long a resolution request may run before it is abandoned and
	// the device returns to the unresolved state. Default 5s.
	ResolveTimeout time.Duration

	// How long the outbound handshake socket is held open after the
	// CONNECT datagram is sent, to allow any immediate peer
	// acknowledgement path. Default 1s.
	HandshakeLinger time.Duration
}

func (c Config) withDefaults() Config {
	if c.ServiceType == "" {
		c.ServiceType = discovery.DefaultServiceType
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 5 * time.Second
	}
	if c.HandshakeLinger <= 0 {
		c.HandshakeLinger = time.Second
	}
	return c
}

// The single allowed active connection.
//
// Owned exclusively by the Controller; at most one Session is live at a
// time, and starting a new connection tears the previous one down
// synchronously before any new socket is opened.
type Session struct {
	deviceID  uuid.UUID
	startedAt time.Time

	listener  transport.Listener
	localPort int

	// The short-lived outbound handshake socket, nil once the linger
	// timer has closed it.
	handshake   transport.Conn
	lingerTimer *time.Timer

	streaming bool
	stats     *stats.Tracker
}

// Controller coordinates discovery, handshake, ingest, and teardown.
//
// Public methods may be called from any goroutine; each one marshals onto
// the owner context internally.
type Controller struct {
	logger *slog.Logger
	config Config

	browser   discovery.Browser
	transport transport.Transport
	sink      audiosink.Sink

	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once

	// Owner-context state below. Touched only from the run loop.
	book      *addressbook.AddressBook
	session   *Session
	current   *addressbook.Device
	status    string
	lastError string
	level     float64
	eventLog  []string
}

// Create a new Controller and start its owner goroutine.
//
// The browser's event channel is consumed immediately; callers should create
// the controller before starting a search.
//
// logger allows for a child logger to be used specifically for this
// controller. If no logger is given, slog.Default() is used.
func NewController(
	browser discovery.Browser,
	tp transport.Transport,
	sink audiosink.Sink,
	config Config,
	logger *slog.Logger,
) *Controller {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		logger:    logger,
		config:    config.withDefaults(),
		browser:   browser,
		transport: tp,
		sink:      sink,
		tasks:     make(chan func(), 64),
		done:      make(chan struct{}),
		book:      addressbook.New(),
		status:    "idle",
	}

	go c.run()
	go c.pumpDiscovery()
	return c
}

// The owner loop. Every mutation of controller state happens here.
func (c *Controller) run() {
	for {
		select {
		case task := <-c.tasks:
			task()
		case <-c.done:
			return
		}
	}
}

// Post a task onto the owner context. Never blocks forever: once the
// controller is closed, tasks are discarded.
func (c *Controller) do(task func()) {
	select {
	case c.tasks <- task:
	case <-c.done:
	}
}

// Post a task and wait for it to run. Doubles as a synchronization barrier:
// when call returns, every task posted before it has completed.
func (c *Controller) call(task func()) {
	ran := make(chan struct{})
	c.do(func() {
		task()
		close(ran)
	})
	select {
	case <-ran:
	case <-c.done:
	}
}

// Close disconnects any active session, stops the search, and shuts down the
// owner goroutine. The controller cannot be reused afterwards.
func (c *Controller) Close() {
	c.call(func() { c.disconnectLocked() })
	c.browser.StopSearch()
	c.closeOnce.Do(func() { close(c.done) })
}

// --------------------------------------------------------------------------------
// Discovery

// StartSearch asks the discovery collaborator to begin browsing for
// microphone advertisements. Device-table updates arrive asynchronously
// through the event stream.
func (c *Controller) StartSearch() error {
	return c.browser.StartSearch(c.config.ServiceType)
}

func (c *Controller) StopSearch() {
	c.browser.StopSearch()
}

func (c *Controller) pumpDiscovery() {
	for {
		select {
		case event, ok := <-c.browser.Events():
			if !ok {
				return
			}
			c.do(func() { c.handleDiscoveryEvent(event) })
		case <-c.done:
			return
		}
	}
}

func (c *Controller) handleDiscoveryEvent(event discovery.Event) {
	switch event.Kind {
	case discovery.SearchStarted:
		if c.book.BeginSearch() {
			c.status = "searching"
			c.appendLog("search started")
		}

	case discovery.SearchStopped:
		c.book.EndSearch()
		c.appendLog("search stopped")

	case discovery.ServiceFound:
		device := c.book.DeviceFound(event.Name, event.Handle, time.Now())
		if device == nil {
			// Re-advertisement of a known name, coalesced.
			c.logger.Debug(
				"duplicate advertisement ignored",
				"name", event.Name,
			)
			return
		}
		c.appendLog(fmt.Sprintf("found device %q", device.Name))
		c.logger.Info(
			"device found",
			"name", device.Name,
			"id", device.ID,
		)

	case discovery.ServiceRemoved:
		removed := c.book.DeviceRemoved(event.Name)
		if len(removed) > 0 {
			c.appendLog(fmt.Sprintf("device %q withdrawn", event.Name))
		}
	}
}

// --------------------------------------------------------------------------------
// Observable state

// A read-only copy of a device table entry.
type DeviceView struct {
	ID        uuid.UUID
	Name      string
	IPAddress string
	Port      int
	Resolving bool
	LastSeen  time.Time
	State     addressbook.ConnectionState
}

// The full externally observable state surface, captured atomically with
// respect to the owner context.
type Snapshot struct {
	Devices   []DeviceView
	Searching bool
	Status    string
	LastError string

	// The device of the active session, nil when disconnected.
	Current *DeviceView

	// Instantaneous audio level of the most recent packet, in [0, 1].
	Level float64

	Stats stats.Snapshot

	// Recent human-readable events, oldest first, capped at 50.
	Log []string
}

func (c *Controller) Snapshot() Snapshot {
	var snap Snapshot
	c.call(func() {
		for _, d := range c.book.Devices() {
			snap.Devices = append(snap.Devices, deviceView(d))
		}
		snap.Searching = c.book.Searching()
		snap.Status = c.status
		snap.LastError = c.lastError
		if c.current != nil {
			view := deviceView(c.current)
			snap.Current = &view
		}
		snap.Level = c.level
		if c.session != nil {
			snap.Stats = c.session.stats.Snapshot()
		}
		snap.Log = append([]string(nil), c.eventLog...)
	})
	return snap
}

func deviceView(d *addressbook.Device) DeviceView {
	return DeviceView{
		ID:        d.ID,
		Name:      d.Name,
		IPAddress: d.IPAddress,
		Port:      d.Port,
		Resolving: d.Resolving,
		LastSeen:  d.LastSeen,
		State:     d.State,
	}
}

// Append to the bounded event log, dropping the oldest entry when full.
func (c *Controller) appendLog(message string) {
	entry := fmt.Sprintf("%s %s", time.Now().Format(time.TimeOnly), message)
	if len(c.eventLog) >= eventLogCap {
		c.eventLog = c.eventLog[1:]
	}
	c.eventLog = append(c.eventLog, entry)
}
