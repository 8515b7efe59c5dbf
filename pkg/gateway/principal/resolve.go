// Package principal identifies the caller of a request. There are no
// accounts, so the client address is the identity.
package principal

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

const anonymousKey = "anonymous"

// forwardingHeaders are consulted in order when proxy headers are trusted.
var forwardingHeaders = []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"}

// Client is a resolved caller. Addr must not be logged; Key is safe to log.
type Client struct {
	Addr netip.Addr
	Key  string
}

func (c Client) Anonymous() bool { return !c.Addr.IsValid() }

// Resolve reads the client address from RemoteAddr, or from the forwarding
// headers first when trustProxy is set.
func Resolve(r *http.Request, trustProxy bool) Client {
	if r == nil {
		return Client{Key: anonymousKey}
	}
	if trustProxy {
		for _, name := range forwardingHeaders {
			v := r.Header.Get(name)
			if name == "X-Forwarded-For" {
				// client, proxy1, proxy2
				v, _, _ = strings.Cut(v, ",")
			}
			if addr, ok := parseAddr(v); ok {
				return ForAddr(addr)
			}
		}
	}
	if addr, ok := parseAddr(r.RemoteAddr); ok {
		return ForAddr(addr)
	}
	return Client{Key: anonymousKey}
}

// ForAddr builds the client for addr with a hashed key.
func ForAddr(addr netip.Addr) Client {
	addr = addr.Unmap()
	sum := sha256.Sum256([]byte(addr.String()))
	return Client{Addr: addr, Key: "ip_" + hex.EncodeToString(sum[:12])}
}

// parseAddr accepts a bare address or host:port.
func parseAddr(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}
