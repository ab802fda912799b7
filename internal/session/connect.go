package session

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/airmic/airmic/internal/addressbook"
	"github.com/airmic/airmic/internal/pcm"
	"github.com/airmic/airmic/internal/stats"
	"github.com/airmic/airmic/internal/transport"
	"github.com/google/uuid"
)

// Connect starts a session with the given device.
//
// The device must already be resolved; otherwise the device moves to an
// error state and ErrDeviceNotResolved is returned with no session created.
// Any existing session is torn down synchronously (both sockets closed)
// before the new one opens its listener.
//
// Connect returns once the handshake has been initiated; its outcome arrives
// asynchronously as Connected / Streaming / Error state transitions on the
// device.
func (c *Controller) Connect(id uuid.UUID) error {
	errCh := make(chan error, 1)
	c.do(func() { errCh <- c.connectLocked(id) })
	select {
	case err := <-errCh:
		return err
	case <-c.done:
		return errors.New("controller closed")
	}
}

func (c *Controller) connectLocked(id uuid.UUID) error {
	device := c.book.ByID(id)
	if device == nil {
		return ErrUnknownDevice
	}
	if !device.Resolved() {
		device.State = addressbook.ErrorState("device not resolved")
		c.lastError = "device not resolved"
		c.status = fmt.Sprintf("cannot connect to %q: not resolved", device.Name)
		c.appendLog(fmt.Sprintf("connect to %q refused: device not resolved", device.Name))
		return ErrDeviceNotResolved
	}

	// Exactly one session may hold live sockets; tear down the previous
	// one completely before opening anything new.
	c.disconnectLocked()

	device.State = addressbook.Connecting()
	c.current = device
	c.lastError = ""
	c.status = fmt.Sprintf("connecting to %q", device.Name)
	c.appendLog(fmt.Sprintf("connecting to %q at %s:%d", device.Name, device.IPAddress, device.Port))

	session := &Session{
		deviceID:  id,
		startedAt: time.Now(),
		stats:     stats.New(),
	}
	c.session = session
	c.level = 0

	go c.runHandshake(session, device.IPAddress, device.Port)
	return nil
}

// Disconnect tears down the active session: both sockets are cancelled, the
// device returns to disconnected, and the audio level resets. Safe to call
// from any state, including mid-handshake; with no active session it is a
// no-op beyond a log entry.
func (c *Controller) Disconnect() {
	c.call(func() {
		if c.session == nil {
			c.appendLog("disconnect requested with no active session")
			return
		}
		c.disconnectLocked()
		c.appendLog("disconnected")
	})
}

func (c *Controller) disconnectLocked() {
	if c.session == nil {
		return
	}
	device := c.book.ByID(c.session.deviceID)
	c.closeSessionLocked()
	if device != nil {
		device.State = addressbook.Disconnected()
	}
	c.current = nil
	c.level = 0
	c.status = "disconnected"
}

// Close the session's sockets and clear the active-session pointer.
// Pending receives are abandoned, not drained; the receive loop observes the
// closed listener and exits without reporting an error.
func (c *Controller) closeSessionLocked() {
	session := c.session
	if session == nil {
		return
	}
	if session.lingerTimer != nil {
		session.lingerTimer.Stop()
	}
	if session.handshake != nil {
		session.handshake.Close()
		session.handshake = nil
	}
	if session.listener != nil {
		session.listener.Close()
	}
	c.session = nil
}

// A transport failure is terminal for the attempt: full teardown, device
// moved to an error state, never retried automatically.
func (c *Controller) failSession(session *Session, message string) {
	if c.session != session {
		// A newer session superseded this one; nothing to fail.
		return
	}
	device := c.book.ByID(session.deviceID)
	c.closeSessionLocked()
	if device != nil {
		device.State = addressbook.ErrorState(message)
	}
	c.current = nil
	c.level = 0
	c.lastError = message
	c.status = message
	c.appendLog(message)
	c.logger.Error(
		"session failed",
		"deviceID", session.deviceID,
		"message", message,
	)
}

// --------------------------------------------------------------------------------
// Handshake protocol

// Two phases, strictly ordered. Phase 1 binds the inbound listener on an
// ephemeral port; only once that port is known does phase 2 send the
// CONNECT datagram advertising it. The port transmitted is always the local
// listening port, never the destination port.
func (c *Controller) runHandshake(session *Session, ip string, port int) {
	// Phase 1: listener setup.
	listener, err := c.transport.BindEphemeral()
	if err != nil {
		c.do(func() { c.failSession(session, fmt.Sprintf("listener bind failed: %v", err)) })
		return
	}

	attached := make(chan bool, 1)
	c.do(func() {
		if c.session != session {
			attached <- false
			return
		}
		session.listener = listener
		session.localPort = listener.Port()
		attached <- true
	})
	if !<-attached {
		// Superseded by a re-entrant connect before the bind finished.
		listener.Close()
		return
	}

	go c.receiveLoop(session, listener)

	// Phase 2: handshake send.
	conn, err := c.transport.Dial(ip, port)
	if err != nil {
		c.do(func() { c.failSession(session, fmt.Sprintf("handshake send failed: %v", err)) })
		return
	}

	payload := []byte("CONNECT:" + strconv.Itoa(listener.Port()))
	if err := conn.Send(payload); err != nil {
		conn.Close()
		c.do(func() { c.failSession(session, fmt.Sprintf("handshake send failed: %v", err)) })
		return
	}

	c.do(func() {
		if c.session != session {
			conn.Close()
			return
		}
		session.handshake = conn
		// Hold the outbound socket open briefly for any immediate peer
		// acknowledgement, then close it; the listener stays open for
		// the audio stream.
		session.lingerTimer = time.AfterFunc(c.config.HandshakeLinger, func() {
			c.do(func() {
				if c.session == session && session.handshake == conn {
					conn.Close()
					session.handshake = nil
				}
			})
		})

		if device := c.book.ByID(session.deviceID); device != nil {
			device.State = addressbook.Connected()
			c.status = fmt.Sprintf("connected to %q, awaiting stream", device.Name)
			c.appendLog(fmt.Sprintf("handshake sent to %q from local port %d", device.Name, session.localPort))
		}
	})
}

// --------------------------------------------------------------------------------
// Datagram ingest

// The perpetual read-dispatch-reread cycle. Runs on its own goroutine and
// never touches controller state directly: every received datagram is
// marshalled onto the owner context.
func (c *Controller) receiveLoop(session *Session, listener transport.Listener) {
	for {
		payload, err := listener.Receive()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				// Teardown closed the socket under us.
				return
			}
			c.do(func() { c.failSession(session, fmt.Sprintf("stream receive error: %v", err)) })
			return
		}
		now := time.Now()
		c.do(func() { c.handlePacket(session, payload, now) })
	}
}

func (c *Controller) handlePacket(session *Session, payload []byte, now time.Time) {
	if c.session != session {
		// Datagram raced with teardown; drop it.
		return
	}

	if !session.streaming {
		session.streaming = true
		if device := c.book.ByID(session.deviceID); device != nil {
			device.State = addressbook.Streaming()
			c.status = fmt.Sprintf("streaming from %q", device.Name)
			c.appendLog(fmt.Sprintf("stream started from %q", device.Name))
		}
	}

	session.stats.RecordPacket(len(payload), now)
	c.level = pcm.Level(payload)

	properties := c.sink.GetProperties()
	audioFrame := pcm.Convert(payload, properties.Format, properties.NumChannels)

	if !c.sink.IsRunning() {
		// One inline restart attempt; a stalled sink drops audio but
		// never terminates the session.
		if err := c.sink.Start(); err != nil {
			c.logger.Warn(
				"sink restart failed, dropping frame",
				"err", err,
			)
			c.appendLog("audio output stalled, frame dropped")
			return
		}
	}

	if err := c.sink.Play(audioFrame); err != nil {
		c.logger.Warn(
			"sink rejected frame",
			"err", err,
		)
	}
}
