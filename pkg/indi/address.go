package indi

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ParseAddress splits "host[:port]" into its parts. A missing host defaults
// to DefaultHost and a missing port to DefaultPort. An optional "indi://"
// scheme is accepted.
func ParseAddress(s string) (string, int, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "indi://")
	if s == "" {
		return DefaultHost, DefaultPort, nil
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port, or a bare IPv6 literal.
		host, portStr = strings.Trim(s, "[]"), ""
	}
	if host == "" {
		host = DefaultHost
	}
	if portStr == "" {
		return host, DefaultPort, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q in address %q", portStr, s)
	}
	return host, port, nil
}
