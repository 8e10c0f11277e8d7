package net

import (
	"fmt"
	"net"
)

// GetEphemeralTCPPort asks the kernel for a free TCP port on host and releases it.
// The port is not reserved, so a racing process may grab it before it is used.
func GetEphemeralTCPPort(host string) (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("resolving %s:0: %w", host, err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
