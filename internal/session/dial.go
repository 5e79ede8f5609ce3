package session

import (
	"context"
	"errors"
	"net"
	"strconv"

	"tws-bridge/internal/errs"
	"tws-bridge/internal/tws"
	"tws-bridge/internal/wire"
)

// Endpoint identifies one gateway connection: where, and as which client.
type Endpoint struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	ClientID int    `json:"client_id"`
}

// Addr returns host:port.
func (e Endpoint) Addr() string { return net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) }

// WithClient returns e bound to another client id.
func (e Endpoint) WithClient(id int) Endpoint {
	e.ClientID = id
	return e
}

// Transport is an established, authenticated gateway link.
type Transport interface {
	Send(wire.Message) error
	Recv() (wire.Message, error)
	Close() error
}

// Dialer opens a Transport and completes the client-id handshake.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Transport, tws.Greeting, error)
}

// TCPDialer dials the gateway's socket API.
type TCPDialer struct{}

// Dial connects, negotiates the version and announces ep.ClientID.
func (TCPDialer) Dial(ctx context.Context, ep Endpoint) (Transport, tws.Greeting, error) {
	c, err := wire.Dial(ctx, ep.Addr())
	if err != nil {
		return nil, tws.Greeting{}, err
	}
	if err := c.Send(tws.StartAPI(ep.ClientID)); err != nil {
		c.Close()
		return nil, tws.Greeting{}, err
	}
	g, err := AwaitGreeting(ctx, c)
	if err != nil {
		c.Close()
		return nil, tws.Greeting{}, err
	}
	return c, g, nil
}

// AwaitGreeting reads until NEXT_VALID_ID, collecting managed accounts on the
// way. Error 326 ends the wait with a client-id rejection.
func AwaitGreeting(ctx context.Context, tr Transport) (tws.Greeting, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			tr.Close()
		case <-stop:
		}
	}()

	var g tws.Greeting
	for {
		m, err := tr.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return g, errs.ErrConnection.Wrap(ctx.Err()).WithDetail("waiting for session greeting")
			}
			return g, err
		}
		switch m.ID() {
		case tws.InManagedAccts:
			if accts, err := tws.ParseManagedAccounts(m); err == nil {
				g.Accounts = accts
			}
		case tws.InNextValidID:
			id, err := tws.ParseNextValidID(m)
			if err != nil {
				return g, err
			}
			g.NextOrderID = id
			return g, nil
		case tws.InErrMsg:
			e, err := tws.ParseError(m)
			if err != nil {
				return g, err
			}
			if e.ClientIDInUse() {
				return g, e.Err()
			}
		}
	}
}

// IsClientIDRejected reports whether err is the gateway refusing a client id
// that is already connected. Such failures are never retried.
func IsClientIDRejected(err error) bool {
	var e tws.APIError
	return errors.As(err, &e) && e.ClientIDInUse()
}
