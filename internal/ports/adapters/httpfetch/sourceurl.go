package httpfetch

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseSourceURL accepts absolute http(s) URLs without userinfo. The fragment
// is dropped; it never reaches the server anyway.
func ParseSourceURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid source URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("invalid source URL %q: absolute URL with host is required", raw)
	}
	if u.User != nil {
		return nil, fmt.Errorf("invalid source URL %q: userinfo is not allowed", raw)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("invalid source URL %q: http or https is required", raw)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid source URL %q: host is required", raw)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// ValidateProxyURL checks a proxy setting. Empty means no proxy.
func ValidateProxyURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid proxy URL %q: host is required", raw)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "socks5", "socks5h":
	default:
		return fmt.Errorf("invalid proxy URL %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("invalid proxy URL %q: query and fragment are not allowed", raw)
	}
	return nil
}

// NormalizeHosts lowercases host names and strips schemes, ports and slashes.
func NormalizeHosts(hosts []string) map[string]struct{} {
	out := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		v := strings.ToLower(strings.TrimSpace(h))
		v = strings.TrimPrefix(v, "http://")
		v = strings.TrimPrefix(v, "https://")
		v = strings.Trim(v, "/")
		if i := strings.Index(v, "/"); i >= 0 {
			v = v[:i]
		}
		if i := strings.Index(v, ":"); i >= 0 {
			v = v[:i]
		}
		v = strings.TrimPrefix(v, "www.")
		if v == "" {
			continue
		}
		out[v] = struct{}{}
	}
	return out
}

// HostMatches reports whether host equals one of hosts or is a subdomain of
// one.
func HostMatches(host string, hosts map[string]struct{}) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for host != "" {
		if _, ok := hosts[host]; ok {
			return true
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return false
		}
		host = host[i+1:]
	}
	return false
}
