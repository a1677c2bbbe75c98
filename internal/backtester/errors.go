package backtester

import (
	"fmt"
	"time"
)

// ErrorKind classifies run failures
type ErrorKind string

const (
	KindInvalidInput      ErrorKind = "invalid_input"
	KindOutOfData         ErrorKind = "out_of_data"
	KindAccountLiquidated ErrorKind = "account_liquidated"
	KindAlreadyClosed     ErrorKind = "already_closed"
	KindStopAboveMarket   ErrorKind = "stop_above_market"
	KindNotPending        ErrorKind = "not_pending"
)

// Error is a run failure with the simulated context it happened in
type Error struct {
	Kind   ErrorKind
	Symbol string
	Time   time.Time
	Msg    string
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	switch {
	case e.Symbol != "" && !e.Time.IsZero():
		return fmt.Sprintf("%s: %s at %s", e.Symbol, msg, e.Time.UTC().Format(time.RFC3339))
	case e.Symbol != "":
		return fmt.Sprintf("%s: %s", e.Symbol, msg)
	case !e.Time.IsZero():
		return fmt.Sprintf("%s at %s", msg, e.Time.UTC().Format(time.RFC3339))
	}
	return msg
}

// Is matches any *Error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Common errors
var (
	ErrInvalidInput      = &Error{Kind: KindInvalidInput, Msg: "invalid input"}
	ErrInvalidAmount     = &Error{Kind: KindInvalidInput, Msg: "amount is negative"}
	ErrOutOfData         = &Error{Kind: KindOutOfData, Msg: "ran out of candles"}
	ErrAccountLiquidated = &Error{Kind: KindAccountLiquidated, Msg: "account is liquidated"}
	ErrAlreadyClosed     = &Error{Kind: KindAlreadyClosed, Msg: "position is already closed"}
	ErrStopAboveMarket   = &Error{Kind: KindStopAboveMarket, Msg: "stop loss is beyond the market price"}
	ErrNotPending        = &Error{Kind: KindNotPending, Msg: "order is not pending"}
)

func newError(base *Error, symbol string, t time.Time) *Error {
	return &Error{Kind: base.Kind, Symbol: symbol, Time: t, Msg: base.Msg}
}
