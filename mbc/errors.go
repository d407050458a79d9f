// Package mbc implements an asynchronous, pipelined, call-correlated
// message bus client layered on top of a godbus session connection.
package mbc

import (
	"errors"
	"fmt"
)

// ErrKilled is returned to every call in flight, and every call issued
// afterwards, once the connection has been killed.
var ErrKilled = errors.New("mbc: connection killed")

// ErrNoErrorName is returned when a peer's error message carries no
// error-name header.
var ErrNoErrorName = errors.New("mbc: error reply carried no error name")

// ErrNoErrorBody is returned when a peer's error message body could not be
// decoded as a descriptive string.
var ErrNoErrorBody = errors.New("mbc: error reply body did not decode as string")

// ErrDeserialize is returned when a reply body did not match the
// signature the caller expected.
var ErrDeserialize = errors.New("mbc: reply body did not match expected signature")

// ErrMapProperty is returned when a property value could not be converted
// to the type the caller requested.
var ErrMapProperty = errors.New("mbc: property value could not be converted")

// SendError wraps an underlying transport write failure. A SendError on
// any single message transitions the connection to Killed.
type SendError struct {
	Err error
}

func (e *SendError) Error() string { return fmt.Sprintf("mbc: send failed: %v", e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// ErrorReply is a normal bus error returned by a peer in response to a
// method call.
type ErrorReply struct {
	Name string
	Text string
}

func (e *ErrorReply) Error() string { return fmt.Sprintf("%s: %s", e.Name, e.Text) }

// Unspecified is the error name this daemon uses on every error reply it
// sends from its own exported objects.
const Unspecified = "Bussy.Unspecified"
