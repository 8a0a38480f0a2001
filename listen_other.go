//go:build !windows

package serve

import (
	"errors"
	"net"
	"syscall"

	"github.com/One-com/serve/endpoint"
)

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// Pipe paths are bound as unix socket paths.
func listenEndpoint(ep endpoint.Endpoint) (net.Listener, error) {
	return net.Listen(ep.Network(), ep.Address())
}
