// Package adb is a minimal client for the adb server's smart-socket protocol.
//
// Every request is a 4-hex-digit length prefix followed by a service string;
// the server answers OKAY or FAIL, the latter followed by a length-prefixed
// message. Only the services bluetap needs are implemented: device
// enumeration, port forwarding, one-shot shell commands and long-lived
// exec streams.
package adb

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Bridge is the device-bridge capability the transport layer depends on.
// *Client is the real implementation; tests substitute fakes.
type Bridge interface {
	// Devices enumerates connected devices.
	Devices() ([]Device, error)
	// Forward tunnels localPort on the host to remotePort on the device.
	Forward(serial string, localPort, remotePort int) error
	// KillForwardAll removes every forward registered for the device.
	KillForwardAll(serial string) error
	// Shell runs a command on the device and returns its combined output.
	Shell(serial, command string) (string, error)
	// OpenStream starts a command on the device and returns the live
	// bidirectional byte stream attached to it. Closing the stream is the
	// only way to end the remote command.
	OpenStream(serial, command string) (io.ReadWriteCloser, error)
}

// Device is one entry from the adb device list.
type Device struct {
	Serial string
	State  string // "device", "unauthorized", "offline", ...
	Model  string
}

// Authorized reports whether the device is usable.
func (d Device) Authorized() bool { return d.State == "device" }

func (d Device) String() string {
	if d.Model != "" {
		return fmt.Sprintf("%s (%s, %s)", d.Serial, d.Model, d.State)
	}
	return fmt.Sprintf("%s (%s)", d.Serial, d.State)
}

var (
	// ErrServerUnreachable means no adb server answered on the configured address.
	ErrServerUnreachable = errors.New("bluetap: adb server unreachable")
	// ErrRequestFailed wraps a FAIL response from the adb server.
	ErrRequestFailed = errors.New("bluetap: adb request failed")
)

// Client talks to a local adb server.
type Client struct {
	addr        string
	dialTimeout time.Duration
}

// NewClient creates a client for the adb server at addr (host:port).
func NewClient(addr string) *Client {
	return &Client{addr: addr, dialTimeout: 5 * time.Second}
}

func (c *Client) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}
	return conn, nil
}

// request sends one length-prefixed service string and consumes the status.
func request(conn net.Conn, service string) error {
	if _, err := fmt.Fprintf(conn, "%04x%s", len(service), service); err != nil {
		return fmt.Errorf("adb: send %q: %w", service, err)
	}
	return readStatus(conn, service)
}

func readStatus(conn net.Conn, service string) error {
	status := make([]byte, 4)
	if _, err := io.ReadFull(conn, status); err != nil {
		return fmt.Errorf("adb: status for %q: %w", service, err)
	}
	switch string(status) {
	case "OKAY":
		return nil
	case "FAIL":
		msg, err := readHexPayload(conn)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrRequestFailed, service)
		}
		return fmt.Errorf("%w: %s: %s", ErrRequestFailed, service, string(msg))
	default:
		return fmt.Errorf("%w: %s: unexpected status %q", ErrRequestFailed, service, string(status))
	}
}

// readHexPayload reads one 4-hex-digit length-prefixed payload.
func readHexPayload(conn net.Conn) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return nil, fmt.Errorf("adb: payload length: %w", err)
	}
	var n int
	if _, err := fmt.Sscanf(string(lenBuf), "%04x", &n); err != nil {
		return nil, fmt.Errorf("adb: bad payload length %q: %w", string(lenBuf), err)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, fmt.Errorf("adb: payload: %w", err)
	}
	return payload, nil
}

// Devices implements Bridge using host:devices-l, which carries the model.
func (c *Client) Devices() ([]Device, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := request(conn, "host:devices-l"); err != nil {
		return nil, err
	}
	payload, err := readHexPayload(conn)
	if err != nil {
		return nil, err
	}
	return parseDeviceList(string(payload)), nil
}

func parseDeviceList(payload string) []Device {
	var devices []Device
	for _, line := range strings.Split(payload, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		d := Device{Serial: fields[0], State: fields[1]}
		for _, f := range fields[2:] {
			if v, ok := strings.CutPrefix(f, "model:"); ok {
				d.Model = v
			}
		}
		devices = append(devices, d)
	}
	return devices
}

// Forward implements Bridge.
func (c *Client) Forward(serial string, localPort, remotePort int) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	service := fmt.Sprintf("host-serial:%s:forward:tcp:%d;tcp:%d", serial, localPort, remotePort)
	return request(conn, service)
}

// KillForwardAll implements Bridge.
func (c *Client) KillForwardAll(serial string) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	return request(conn, fmt.Sprintf("host-serial:%s:killforward-all", serial))
}

// transport switches conn to the given device; subsequent services run there.
func transport(conn net.Conn, serial string) error {
	return request(conn, "host:transport:"+serial)
}

// Shell implements Bridge. Output is read until the remote side closes.
func (c *Client) Shell(serial, command string) (string, error) {
	conn, err := c.dial()
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := transport(conn, serial); err != nil {
		return "", err
	}
	if err := request(conn, "shell:"+command); err != nil {
		return "", err
	}
	out, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("adb: shell output: %w", err)
	}
	return string(out), nil
}

// OpenStream implements Bridge using the exec service, which gives raw
// (non-pty) stdio of the remote command.
func (c *Client) OpenStream(serial, command string) (io.ReadWriteCloser, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	if err := transport(conn, serial); err != nil {
		conn.Close()
		return nil, err
	}
	if err := request(conn, "exec:"+command); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// IsUnauthorized reports whether err looks like the adb "device unauthorized"
// failure, which needs a distinct hint to the user.
func IsUnauthorized(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unauthorized")
}
