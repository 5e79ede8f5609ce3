package tws

import (
	"fmt"

	"tws-bridge/internal/errs"
	"tws-bridge/internal/wire"
)

// Gateway error codes the bridge reacts to.
const (
	CodeDuplicateOrderID    = 103
	CodeCannotCancel        = 161
	CodeOrderRejected       = 201
	CodeOrderCancelled      = 202
	CodeClientIDInUse       = 326
	CodeNotConnected        = 504
	CodeConnectivityLost    = 1100
	CodeConnectivityRestore = 1101
	CodeConnectivityResumed = 1102
	CodeCancelNotFound      = 10147
	CodeCancelNotAllowed    = 10148
)

// NoID is the id carried by errors not tied to a request or order.
const NoID = -1

// APIError is a decoded ERR_MSG.
type APIError struct {
	ID      int64  `json:"id"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("gateway error %d (id %d): %s", e.Code, e.ID, e.Message)
}

// Informational reports notices that carry no failure (farm status, connectivity restored).
func (e APIError) Informational() bool {
	switch {
	case e.Code >= 2100 && e.Code < 2200:
		return true
	case e.Code == CodeConnectivityRestore || e.Code == CodeConnectivityResumed:
		return true
	case e.Code == 399: // order warning, order still accepted
		return true
	}
	return false
}

// ClientIDInUse reports the fatal rejection of a duplicate client id.
func (e APIError) ClientIDInUse() bool { return e.Code == CodeClientIDInUse }

// Err converts e into the bridge taxonomy.
func (e APIError) Err() error {
	switch e.Code {
	case CodeClientIDInUse, CodeNotConnected, CodeConnectivityLost:
		return errs.ErrConnection.Wrap(e)
	case CodeCancelNotFound:
		return errs.ErrOrderNotFound.Wrap(e)
	}
	return errs.ErrRejected.Wrap(e)
}

// ParseError reads ERR_MSG.
func ParseError(m wire.Message) (APIError, error) {
	r := m.Reader()
	r.Skip(1) // version
	e := APIError{
		ID:      r.Int64(),
		Code:    r.Int(),
		Message: r.String(),
	}
	return e, r.Err()
}

// ErrorMessage builds an ERR_MSG. Used by the fake gateway.
func ErrorMessage(id int64, code int, text string) wire.Message {
	return wire.NewMessage(InErrMsg, 2, id, code, text)
}
