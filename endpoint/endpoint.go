// Package endpoint parses listen descriptors given on the command line
// into bind targets.
//
// Supported forms:
//
//   1234                    TCP port on all interfaces
//   tcp://hostname:1234     TCP host/port (IPv6 literals in brackets)
//   unix:/path/to/socket    UNIX domain socket
//   pipe:\\.\pipe\Name      Windows named pipe
//
package endpoint

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// DefaultPort is used for tcp:// descriptors without a port.
const DefaultPort = 3000

// PipePrefix is the mandatory prefix of a Windows named pipe path.
const PipePrefix = `\\.\pipe\`

// Kind tells which transport an Endpoint binds.
type Kind int

const (
	TCP Kind = iota
	Unix
	Pipe
)

func (k Kind) String() string {
	switch k {
	case TCP:
		return "tcp"
	case Unix:
		return "unix"
	case Pipe:
		return "pipe"
	}
	return "unknown"
}

// Endpoint is one bind target. Port and Host are only meaningful for TCP,
// Path only for Unix and Pipe.
type Endpoint struct {
	Kind Kind
	Port uint16
	Host string // "" means all interfaces
	Path string

	// PortOnly is set when the descriptor was a bare port number.
	// Only such endpoints may switch to another port on conflict.
	PortOnly bool
}

// Port returns a bare TCP port endpoint.
func Port(port uint16) Endpoint {
	return Endpoint{Kind: TCP, Port: port, PortOnly: true}
}

// Network returns the net.Listen network name for the endpoint.
func (e Endpoint) Network() string {
	if e.Kind == TCP {
		return "tcp"
	}
	return "unix"
}

// Address returns the net.Listen address for the endpoint.
func (e Endpoint) Address() string {
	if e.Kind == TCP {
		return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
	}
	return e.Path
}

func (e Endpoint) String() string {
	switch e.Kind {
	case TCP:
		if e.PortOnly {
			return strconv.Itoa(int(e.Port))
		}
		return "tcp://" + e.Address()
	case Unix:
		return "unix:" + e.Path
	case Pipe:
		return "pipe:" + e.Path
	}
	return "<invalid endpoint>"
}

// InvalidError reports a descriptor that has a known scheme but is malformed.
type InvalidError struct {
	Kind  string
	Input string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("Invalid %s endpoint: %s", e.Kind, e.Input)
}

// UnknownSchemeError reports a descriptor with an unsupported scheme.
type UnknownSchemeError struct {
	Scheme string
	Input  string
}

func (e *UnknownSchemeError) Error() string {
	if e.Scheme == "" {
		return fmt.Sprintf("Missing --listen endpoint scheme (protocol): %s", e.Input)
	}
	return fmt.Sprintf("Unknown --listen endpoint scheme (protocol): %s:", e.Scheme)
}

// Parse converts a listen descriptor into an Endpoint.
func Parse(raw string) (ep Endpoint, err error) {

	if isNumeric(raw) {
		return ParsePort(raw)
	}

	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok {
		err = &UnknownSchemeError{Input: raw}
		return
	}

	switch strings.ToLower(scheme) {
	case "pipe":
		// The path is taken verbatim. A URI parse would mangle the backslashes.
		if !strings.HasPrefix(rest, PipePrefix) || len(rest) == len(PipePrefix) {
			err = &InvalidError{Kind: "Windows named pipe", Input: raw}
			return
		}
		ep = Endpoint{Kind: Pipe, Path: rest}
	case "unix":
		u, e := url.Parse(raw)
		if e != nil {
			err = &InvalidError{Kind: "UNIX domain socket", Input: raw}
			return
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == "" {
			err = &InvalidError{Kind: "UNIX domain socket", Input: raw}
			return
		}
		ep = Endpoint{Kind: Unix, Path: path}
	case "tcp":
		u, e := url.Parse(raw)
		if e != nil {
			err = &InvalidError{Kind: "TCP", Input: raw}
			return
		}
		port := uint64(DefaultPort)
		if p := u.Port(); p != "" {
			port, e = strconv.ParseUint(p, 10, 16)
			if e != nil {
				err = &InvalidError{Kind: "TCP", Input: raw}
				return
			}
		}
		ep = Endpoint{Kind: TCP, Port: uint16(port), Host: u.Hostname()}
	default:
		err = &UnknownSchemeError{Scheme: scheme, Input: raw}
	}
	return
}

// ParsePort parses a bare numeric port descriptor.
func ParsePort(raw string) (ep Endpoint, err error) {
	port, e := strconv.ParseUint(raw, 10, 16)
	if e != nil {
		err = &InvalidError{Kind: "TCP port", Input: raw}
		return
	}
	return Port(uint16(port)), nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
