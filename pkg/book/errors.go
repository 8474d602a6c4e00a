package book

import "errors"

var (
	ErrValidation   = errors.New("invalid order")
	ErrNotFound     = errors.New("order not found")
	ErrOwnership    = errors.New("order not owned by this node")
	ErrConflict     = errors.New("order state conflict")
	ErrLockConflict = errors.New("order locked by another requester")
	ErrLockMismatch = errors.New("lock does not match")
	ErrNetwork      = errors.New("peer unreachable")
	ErrSettlement   = errors.New("settlement failed")
)
