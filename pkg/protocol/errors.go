package protocol

import (
	"errors"
	"fmt"

	"github.com/uhyunpark/p2pbook/pkg/book"
)

// Code carries the kind of a remote failure across the wire.
type Code string

const (
	CodeOK           Code = ""
	CodeValidation   Code = "validation"
	CodeNotFound     Code = "not_found"
	CodeOwnership    Code = "ownership"
	CodeConflict     Code = "conflict"
	CodeLockConflict Code = "lock_conflict"
	CodeLockMismatch Code = "lock_mismatch"
	CodeNetwork      Code = "network"
	CodeSettlement   Code = "settlement"
	CodeUnknown      Code = "unknown"
)

var codes = []struct {
	code Code
	err  error
}{
	{CodeValidation, book.ErrValidation},
	{CodeNotFound, book.ErrNotFound},
	{CodeOwnership, book.ErrOwnership},
	{CodeConflict, book.ErrConflict},
	{CodeLockConflict, book.ErrLockConflict},
	{CodeLockMismatch, book.ErrLockMismatch},
	{CodeNetwork, book.ErrNetwork},
	{CodeSettlement, book.ErrSettlement},
}

// CodeOf classifies err by the book sentinel it wraps.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnknown
}

// ErrorReply builds the reply sent back for a failed request.
func ErrorReply(err error) Reply {
	return Reply{Code: CodeOf(err), Error: err.Error()}
}

// Err turns a reply back into an error wrapping the matching book sentinel,
// or nil for a successful reply.
func (r Reply) Err() error {
	if r.Code == CodeOK && r.Error == "" {
		return nil
	}
	for _, c := range codes {
		if c.code == r.Code {
			return &RemoteError{Code: r.Code, Msg: r.Error, kind: c.err}
		}
	}
	return &RemoteError{Code: r.Code, Msg: r.Error}
}

// RemoteError is a failure reported by a peer. It unwraps to the book sentinel
// named by its code.
type RemoteError struct {
	Code Code
	Msg  string
	kind error
}

func (e *RemoteError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("remote %s error", e.Code)
	}
	return e.Msg
}

func (e *RemoteError) Unwrap() error { return e.kind }
