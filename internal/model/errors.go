package model

import "errors"

var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrConfiguration       = errors.New("configuration error")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrNotEligible         = errors.New("not eligible")
	ErrNotFound            = errors.New("not found")
	ErrInvalidAddress      = errors.New("invalid address")
)
