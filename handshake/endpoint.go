package handshake

import (
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// DefaultEndpoint is where the engine listens when the marker line does not say.
const DefaultEndpoint = "ws://127.0.0.1:8083"

var (
	urlPattern      = regexp.MustCompile(`wss?://[^\s"'<>]+`)
	hostPortPattern = regexp.MustCompile(`\b((?:\d{1,3}\.){3}\d{1,3}|localhost):(\d{1,5})\b`)
	portPattern     = regexp.MustCompile(`(?i)\bport\s*[:=]?\s*(\d{1,5})\b`)
)

// ParseEndpoint extracts the WebSocket endpoint announced in line.
// In order of preference it looks for a ws:// or wss:// URL, a host:port pair, and a "port N" phrase.
func ParseEndpoint(line string) (string, bool) {
	if m := urlPattern.FindString(line); m != "" {
		u, err := url.Parse(strings.TrimRight(m, ".,;)]"))
		if err == nil && u.Host != "" && (u.Port() == "" || validPort(u.Port())) {
			return u.String(), true
		}
	}
	if m := hostPortPattern.FindStringSubmatch(line); m != nil && validPort(m[2]) {
		return "ws://" + net.JoinHostPort(m[1], m[2]), true
	}
	if m := portPattern.FindStringSubmatch(line); m != nil && validPort(m[1]) {
		return "ws://" + net.JoinHostPort("127.0.0.1", m[1]), true
	}
	return "", false
}

func validPort(s string) bool {
	p, err := strconv.Atoi(s)
	return err == nil && p > 0 && p <= 65535
}
