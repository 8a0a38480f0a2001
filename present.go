package serve

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"

	"github.com/One-com/gone/log"
)

// lanAddress returns the first non-loopback IPv4 address of the host, "" if none.
// The interfaces are only looked at once per process.
var lanAddress = sync.OnceValue(func() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		log.DEBUG("Unable to list network interfaces", "err", err)
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok {
				if ip4 := ipnet.IP.To4(); ip4 != nil && !ip4.IsLoopback() {
					return ip4.String()
				}
			}
		}
	}
	return ""
})

// Addresses returns the local URL of the listener and, for wildcard TCP
// binds, a URL reachable from the network if the host has a LAN address.
func (ls *ListenerState) Addresses() (local, network string) {

	tcp, ok := ls.Addr.(*net.TCPAddr)
	if !ok {
		return ls.Description(), ""
	}

	scheme := "http"
	if ls.TLS {
		scheme = "https"
	}
	port := strconv.Itoa(tcp.Port)

	if !tcp.IP.IsUnspecified() {
		return scheme + "://" + net.JoinHostPort(tcp.IP.String(), port), ""
	}
	local = scheme + "://" + net.JoinHostPort("localhost", port)
	if lan := lanAddress(); lan != "" {
		network = scheme + "://" + net.JoinHostPort(lan, port)
	}
	return
}

// Presenter announces listeners to the operator.
type Presenter struct {
	Out         io.Writer
	Interactive bool // draw a box instead of logging
}

// NewPresenter returns a Presenter drawing on stdout when it is a terminal,
// unless production is set.
func NewPresenter(production bool) *Presenter {
	return &Presenter{
		Out:         os.Stdout,
		Interactive: !production && isatty.IsTerminal(os.Stdout.Fd()),
	}
}

// Present announces one listener.
func (p *Presenter) Present(ls *ListenerState) {
	local, network := ls.Addresses()

	var switched string
	if ls.PreviousPort != 0 {
		switched = fmt.Sprintf("This port was picked because %d is in use.", ls.PreviousPort)
	}

	if !p.Interactive {
		kv := []interface{}{"at", local}
		if network != "" {
			kv = append(kv, "network", network)
		}
		log.INFO("Accepting connections", kv...)
		if switched != "" {
			log.WARN(switched)
		}
		return
	}

	lines := []string{"Serving!", ""}
	lines = append(lines, "- Local:            "+local)
	if network != "" {
		lines = append(lines, "- On Your Network:  "+network)
	}
	if switched != "" {
		lines = append(lines, "", switched)
	}
	box(p.Out, lines)
}

func box(w io.Writer, lines []string) {
	width := 0
	for _, l := range lines {
		if len(l) > width {
			width = len(l)
		}
	}
	edge := strings.Repeat("─", width+8)
	fmt.Fprintf(w, "\n   ┌%s┐\n   │%s│\n", edge, strings.Repeat(" ", width+8))
	for _, l := range lines {
		fmt.Fprintf(w, "   │    %s%s    │\n", l, strings.Repeat(" ", width-len(l)))
	}
	fmt.Fprintf(w, "   │%s│\n   └%s┘\n\n", strings.Repeat(" ", width+8), edge)
}
