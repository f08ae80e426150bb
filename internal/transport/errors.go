// Package transport establishes and runs the dual-socket HCI snoop transport:
// adb port forwards, snoop/inject TCP sockets, the btsnoop receive loop and
// the serial-su fallback relay.
package transport

import "errors"

// Sentinel errors. Each failed-connect condition from the setup path is a
// distinct error so callers can tell the user exactly what to fix.
var (
	ErrNoDevice           = errors.New("bluetap: no adb device found")
	ErrDeviceUnauthorized = errors.New("bluetap: device not authorized, confirm the USB debugging prompt")
	ErrForwardFailed      = errors.New("bluetap: adb port forwarding failed")
	ErrSocketConnect      = errors.New("bluetap: could not connect to forwarded port")
	ErrHeaderValidation   = errors.New("bluetap: could not read btsnoop header from snoop socket")

	ErrSuNotFound        = errors.New("bluetap: su not found, rooted device required")
	ErrNetcatNotFound    = errors.New("bluetap: nc not found, install busybox")
	ErrSnoopLogNotFound  = errors.New("bluetap: btsnoop logfile not found, enable HCI snoop logging")
	ErrInterfaceNotFound = errors.New("bluetap: bluetooth tty not found, enable Bluetooth")

	ErrLoopAlreadyRunning = errors.New("bluetap: receive loop already running")
	ErrSessionClosed      = errors.New("bluetap: session closed")
)
