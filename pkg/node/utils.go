package node

import (
	"net"
	"strings"
)

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// adds a default port
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}
	addr = strings.TrimSuffix(addr, "/")

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}

// URL builds the http URL of path on the component listening at addr.
// A wildcard listen host is rewritten to loopback so the URL is dialable.
func URL(addr, path string) string {
	hp := NormalizeHostPort(addr, "8080")
	if host, port, err := net.SplitHostPort(hp); err == nil {
		switch host {
		case "", "0.0.0.0", "::":
			hp = net.JoinHostPort("127.0.0.1", port)
		}
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "http://" + hp + path
}
