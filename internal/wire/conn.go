package wire

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"tws-bridge/internal/errs"
)

const (
	apiPrefix = "API\x00"

	// MinClientVersion and MaxClientVersion are the protocol versions the
	// client offers during the handshake.
	MinClientVersion = 100
	MaxClientVersion = 187

	writeTimeout = 10 * time.Second
)

// Conn is a framed gateway connection. Send is safe for concurrent use;
// Recv must be called from a single goroutine.
type Conn struct {
	nc  net.Conn
	br  *bufio.Reader
	wmu sync.Mutex

	ServerVersion int
	ConnTime      string
}

// NewConn wraps an established network connection.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, br: bufio.NewReaderSize(nc, 64<<10)}
}

// Dial opens a TCP connection to addr and performs the client handshake.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.ErrConnection.Wrap(err).Detailf("dial %s", addr)
	}
	c := NewConn(nc)
	if err := c.Handshake(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// Handshake sends the API prefix and version range and reads the server's
// version reply.
func (c *Conn) Handshake(ctx context.Context) error {
	if dl, ok := ctx.Deadline(); ok {
		c.nc.SetDeadline(dl)
		defer c.nc.SetDeadline(time.Time{})
	}

	versions := fmt.Sprintf("v%d..%d", MinClientVersion, MaxClientVersion)
	hello := append([]byte(apiPrefix), frame([]byte(versions))...)
	if _, err := c.nc.Write(hello); err != nil {
		return errs.ErrConnection.Wrap(err).WithDetail("handshake write")
	}

	payload, err := ReadFrame(c.br)
	if err != nil {
		return errs.ErrConnection.Wrap(err).WithDetail("handshake read")
	}
	fields := strings.Split(strings.TrimSuffix(string(payload), "\x00"), "\x00")
	v, err := strconv.Atoi(fields[0])
	if err != nil {
		return errs.ErrProtocol.Detailf("handshake: bad server version %q", fields[0])
	}
	if v < MinClientVersion {
		return errs.ErrProtocol.Detailf("handshake: server version %d below minimum %d", v, MinClientVersion)
	}
	c.ServerVersion = v
	if len(fields) > 1 {
		c.ConnTime = fields[1]
	}
	return nil
}

// AcceptHandshake performs the server side of the handshake and returns the
// client's version range string.
func AcceptHandshake(c *Conn, serverVersion int, connTime string) (string, error) {
	prefix := make([]byte, len(apiPrefix))
	if _, err := io.ReadFull(c.br, prefix); err != nil {
		return "", err
	}
	if string(prefix) != apiPrefix {
		return "", errs.ErrProtocol.Detailf("bad api prefix %q", prefix)
	}
	versions, err := ReadFrame(c.br)
	if err != nil {
		return "", err
	}
	reply := strconv.Itoa(serverVersion) + "\x00" + connTime + "\x00"
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.nc.Write(frame([]byte(reply))); err != nil {
		return "", err
	}
	return string(versions), nil
}

// Send writes one framed message.
func (c *Conn) Send(m Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.nc.Write(m.Encode()); err != nil {
		return errs.ErrConnection.Wrap(err).Detailf("send msg %d", m.ID())
	}
	return nil
}

// Recv blocks for the next message.
func (c *Conn) Recv() (Message, error) {
	m, err := ReadMessage(c.br)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeProtocol {
			return Message{}, err
		}
		return Message{}, errs.ErrConnection.Wrap(err).WithDetail("receive")
	}
	return m, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}
