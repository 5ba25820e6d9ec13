package types

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a channel failure. The first six values keep the
// discriminants of the deployed contract's error enum.
type ErrorCode uint8

const (
	ErrCallerIsNotSender ErrorCode = iota
	ErrCallerIsNotRecipient
	ErrAmountIsLessThanWithdraw
	ErrTransferFailed
	ErrNotYetExpired
	ErrInvalidSignature
	ErrChannelClosed
	ErrAlreadyClosing
	ErrInvalidConfig
	ErrChannelNotFound
)

var codeNames = map[ErrorCode]string{
	ErrCallerIsNotSender:        "CallerIsNotSender",
	ErrCallerIsNotRecipient:     "CallerIsNotRecipient",
	ErrAmountIsLessThanWithdraw: "AmountIsLessThanWithdraw",
	ErrTransferFailed:           "TransferFailed",
	ErrNotYetExpired:            "NotYetExpired",
	ErrInvalidSignature:         "InvalidSignature",
	ErrChannelClosed:            "ChannelClosed",
	ErrAlreadyClosing:           "AlreadyClosing",
	ErrInvalidConfig:            "InvalidConfig",
	ErrChannelNotFound:          "ChannelNotFound",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", uint8(c))
}

// ChannelError is the typed failure returned by channel operations.
type ChannelError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// NewError returns a ChannelError with the given code.
func NewError(code ErrorCode, msg string) *ChannelError {
	return &ChannelError{Code: code, Message: msg}
}

// WrapError returns a ChannelError with the given code that wraps err.
func WrapError(code ErrorCode, msg string, err error) *ChannelError {
	return &ChannelError{Code: code, Message: msg, Err: err}
}

func (e *ChannelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Is matches any ErrorCode or ChannelError carrying the same code, so callers
// can write errors.Is(err, types.ErrNotYetExpired).
func (e *ChannelError) Is(target error) bool {
	switch t := target.(type) {
	case ErrorCode:
		return e.Code == t
	case *ChannelError:
		return e.Code == t.Code
	}
	return false
}

// Error lets an ErrorCode be used directly as an errors.Is target.
func (c ErrorCode) Error() string {
	return c.String()
}

// CodeOf returns the code of a ChannelError anywhere in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var ce *ChannelError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return 0, false
}
