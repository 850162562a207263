package client

import (
	"log"
	"net"
	"strings"
)

// ResolveConnectionMethod turns a bare address into one carrying the scheme
// that last worked for that server. Addresses that already name a scheme,
// or have no recorded history, are returned unchanged.
func ResolveConnectionMethod(address string, state StateInterface, logger *log.Logger) string {
	if strings.Contains(address, "://") || state == nil {
		return address
	}

	for _, lookup := range buildLookupAddresses(address) {
		method, err := state.GetLastSuccessfulMethod(lookup)
		if err != nil || method == "" {
			continue
		}
		if logger != nil {
			logger.Printf("Found connection history for %s: %s", lookup, method)
		}

		switch method {
		case "ssh":
			return "ssh://" + address
		case "ws", "websocket":
			return "ws://" + address
		case "wss":
			return "wss://" + address
		default:
			return address
		}
	}
	return address
}

// buildLookupAddresses lists the history keys that may describe address,
// most specific first.
func buildLookupAddresses(address string) []string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return []string{
			address,
			net.JoinHostPort(address, defaultTCPPort),
			net.JoinHostPort(address, defaultSSHPort),
			net.JoinHostPort(address, defaultHTTPPort),
		}
	}

	candidates := []string{address, host}
	for _, p := range []string{defaultHTTPPort, defaultSSHPort, defaultTCPPort} {
		if p != port {
			candidates = append(candidates, net.JoinHostPort(host, p))
		}
	}
	return candidates
}
