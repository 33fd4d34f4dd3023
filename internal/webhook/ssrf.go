package webhook

import (
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrForbiddenAddress is returned for webhook URLs that resolve to
// internal network ranges.
var ErrForbiddenAddress = errors.New("webhook url resolves to a forbidden address")

// ValidateURL rejects URLs that could be used to probe internal
// infrastructure. It is applied when a webhook is registered and again
// before every delivery, since DNS can change between the two.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid webhook url scheme: %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("webhook url missing host")
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve webhook host %q: %w", host, err)
	}

	for _, ip := range ips {
		if forbiddenIP(ip) {
			return fmt.Errorf("%w: %s -> %s", ErrForbiddenAddress, host, ip)
		}
	}
	return nil
}

func forbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}
