package transport

import (
	"fmt"
	"log/slog"
	"net"
)

// UDPTransport implements Transport over real UDP sockets.
type UDPTransport struct {
	logger *slog.Logger
}

// Create a new UDPTransport. If no logger is given, slog.Default() is used.
func NewUDPTransport(logger *slog.Logger) *UDPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &UDPTransport{logger: logger}
}

func (t *UDPTransport) BindEphemeral() (Listener, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		t.logger.Error(
			"could not bind ephemeral UDP listener",
			"err", err,
		)
		return nil, err
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	t.logger.Debug(
		"bound ephemeral UDP listener",
		"port", port,
	)
	return &udpListener{
		conn: conn,
		port: port,
		buf:  make([]byte, MaxDatagramSize),
	}, nil
}

func (t *UDPTransport) Dial(ip string, port int) (Conn, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("invalid IP address %q", ip)
	}
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: parsed, Port: port})
	if err != nil {
		t.logger.Error(
			"could not dial UDP",
			"ip", ip,
			"port", port,
			"err", err,
		)
		return nil, err
	}
	return &udpConn{conn: conn}, nil
}

type udpListener struct {
	conn *net.UDPConn
	port int

	// Receive is only ever called from the session's single receive
	// goroutine, so the read buffer can be reused between calls.
	buf []byte
}

func (l *udpListener) Receive() ([]byte, error) {
	n, _, err := l.conn.ReadFromUDP(l.buf)
	if err != nil {
		return nil, err
	}
	// The payload crosses goroutines, hand out a copy.
	payload := make([]byte, n)
	copy(payload, l.buf[:n])
	return payload, nil
}

func (l *udpListener) Port() int {
	return l.port
}

func (l *udpListener) Close() error {
	return l.conn.Close()
}

type udpConn struct {
	conn *net.UDPConn
}

func (c *udpConn) Send(payload []byte) error {
	_, err := c.conn.Write(payload)
	return err
}

func (c *udpConn) Close() error {
	return c.conn.Close()
}
