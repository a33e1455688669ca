package models

import "errors"

var (
	ErrTransientFetch    = errors.New("transient fetch error")
	ErrFatalFetch        = errors.New("fatal fetch error")
	ErrTransientSend     = errors.New("transient send error")
	ErrFatalSend         = errors.New("fatal send error")
	ErrTooManyFatalSends = errors.New("too many consecutive fatal sends")
)
