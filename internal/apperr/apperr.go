// Package apperr holds the error taxonomy of the validation and locker protocols.
// Every error carries a Kind plus the diagnostic fields an operator needs.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation           Kind = "validation_error"
	KindAlreadySubmitted     Kind = "already_submitted"
	KindNotFound             Kind = "not_found"
	KindLockerNotFound       Kind = "locker_not_found"
	KindShipmentNotFound     Kind = "shipment_not_found"
	KindTokenInvalid         Kind = "token_invalid"
	KindWrongLocker          Kind = "wrong_locker"
	KindInvalidState         Kind = "invalid_state"
	KindInsufficientReadings Kind = "insufficient_readings"
	KindNoActiveSession      Kind = "no_active_session"
	KindForbidden            Kind = "forbidden"
)

// Sentinels for errors.Is.
var (
	ErrValidation           = &Error{Kind: KindValidation}
	ErrAlreadySubmitted     = &Error{Kind: KindAlreadySubmitted}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrLockerNotFound       = &Error{Kind: KindLockerNotFound}
	ErrShipmentNotFound     = &Error{Kind: KindShipmentNotFound}
	ErrTokenInvalid         = &Error{Kind: KindTokenInvalid}
	ErrWrongLocker          = &Error{Kind: KindWrongLocker}
	ErrInvalidState         = &Error{Kind: KindInvalidState}
	ErrInsufficientReadings = &Error{Kind: KindInsufficientReadings}
	ErrNoActiveSession      = &Error{Kind: KindNoActiveSession}
	ErrForbidden            = &Error{Kind: KindForbidden}
)

type Error struct {
	Kind    Kind
	Message string

	TrackingNumber   string
	LockerID         string
	ExpectedLockerID string
	CurrentStatus    string
	Readings         int
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *Error of the same kind, so callers compare against the sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func AlreadySubmitted(trackingNumber string) *Error {
	return &Error{Kind: KindAlreadySubmitted, TrackingNumber: trackingNumber, Message: "tracking number already submitted"}
}

func NotFound(trackingNumber string) *Error {
	return &Error{Kind: KindNotFound, TrackingNumber: trackingNumber, Message: "no carrier recognizes this tracking number"}
}

func LockerNotFound(lockerID string) *Error {
	return &Error{Kind: KindLockerNotFound, LockerID: lockerID, Message: "locker not found"}
}

func ShipmentNotFound(trackingNumber string) *Error {
	return &Error{Kind: KindShipmentNotFound, TrackingNumber: trackingNumber, Message: "shipment not found"}
}

func TokenInvalid(lockerID string) *Error {
	return &Error{Kind: KindTokenInvalid, LockerID: lockerID, Message: "access token is invalid or already used"}
}

func WrongLocker(trackingNumber, lockerID, expected string) *Error {
	return &Error{
		Kind:             KindWrongLocker,
		TrackingNumber:   trackingNumber,
		LockerID:         lockerID,
		ExpectedLockerID: expected,
		Message:          fmt.Sprintf("shipment is assigned to locker %s", expected),
	}
}

func InvalidState(trackingNumber, current string) *Error {
	return &Error{
		Kind:           KindInvalidState,
		TrackingNumber: trackingNumber,
		CurrentStatus:  current,
		Message:        fmt.Sprintf("shipment is %s", current),
	}
}

func InsufficientReadings(lockerID string, n int) *Error {
	return &Error{
		Kind:     KindInsufficientReadings,
		LockerID: lockerID,
		Readings: n,
		Message:  fmt.Sprintf("need at least 2 readings, have %d", n),
	}
}

func NoActiveSession(lockerID string) *Error {
	return &Error{Kind: KindNoActiveSession, LockerID: lockerID, Message: "no active weight session"}
}

func Forbidden(msg string) *Error {
	return &Error{Kind: KindForbidden, Message: msg}
}
