package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPBindSendReceive(t *testing.T) {
	tp := NewUDPTransport(nil)

	listener, err := tp.BindEphemeral()
	require.NoError(t, err)
	defer listener.Close()
	require.Positive(t, listener.Port())

	conn, err := tp.Dial("127.0.0.1", listener.Port())
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte("CONNECT:12345")
	require.NoError(t, conn.Send(payload))

	received := make(chan []byte, 1)
	go func() {
		data, err := listener.Receive()
		if err == nil {
			received <- data
		}
	}()

	select {
	case data := <-received:
		assert.Equal(t, payload, data)
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not received on loopback")
	}
}

func TestUDPReceiveReturnsNetErrClosedAfterClose(t *testing.T) {
	tp := NewUDPTransport(nil)

	listener, err := tp.BindEphemeral()
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := listener.Receive()
		errCh <- err
	}()

	// Let the receive block before pulling the socket out from under it.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, listener.Close())

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, net.ErrClosed), "expected net.ErrClosed, got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not unblock on close")
	}
}

func TestUDPDialRejectsInvalidIP(t *testing.T) {
	tp := NewUDPTransport(nil)
	_, err := tp.Dial("not-an-ip", 5005)
	assert.Error(t, err)
}
