package config

import (
	"net"
	"strconv"
)

// withPort replaces the port of a host:port address, keeping the host.
func withPort(addr string, port int) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = ""
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
