//go:build windows

package serve

import (
	"errors"
	"net"
	"syscall"

	winio "github.com/Microsoft/go-winio"

	"github.com/One-com/serve/endpoint"
)

const wsaeaddrinuse = syscall.Errno(10048)

func isAddrInUse(err error) bool {
	return errors.Is(err, wsaeaddrinuse) || errors.Is(err, syscall.EADDRINUSE)
}

func listenEndpoint(ep endpoint.Endpoint) (net.Listener, error) {
	if ep.Kind == endpoint.Pipe {
		return winio.ListenPipe(ep.Path, nil)
	}
	return net.Listen(ep.Network(), ep.Address())
}
