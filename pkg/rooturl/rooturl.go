// Package rooturl reduces arbitrary website strings to their scheme://host[:port] root.
package rooturl

import (
	"net"
	"net/url"
	"strings"
)

// Root is a normalized scheme://host[:port] URL with no path, query or fragment.
type Root string

func (r Root) String() string { return string(r) }

// Normalize returns the root of raw, or ok == false when raw cannot be
// interpreted as an http(s) URL. It never panics.
//
// A value without a scheme, such as "example.com/about", is treated as https.
func Normalize(raw string) (Root, bool) {
	u, ok := parse(raw)
	if !ok {
		return "", false
	}
	return Root(u.Scheme + "://" + u.Host), true
}

// Domain returns the lower-cased host of raw without port or a leading "www.".
// It returns "" when raw is not a valid URL.
func Domain(raw string) string {
	u, ok := parse(raw)
	if !ok {
		return ""
	}
	host := u.Hostname()
	return strings.TrimPrefix(host, "www.")
}

func parse(raw string) (*url.URL, bool) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.ContainsAny(s, " \t\r\n") {
		return nil, false
	}
	if !strings.Contains(s, "://") {
		if hasOpaqueScheme(s) {
			return nil, false
		}
		if strings.HasPrefix(s, "//") {
			s = "https:" + s
		} else {
			s = "https://" + s
		}
	}

	u, err := url.Parse(s)
	if err != nil {
		return nil, false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, false
	}
	host := strings.ToLower(u.Hostname())
	if !validHost(host) {
		return nil, false
	}
	if port := u.Port(); port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return &url.URL{Scheme: scheme, Host: host}, true
}

// hasOpaqueScheme reports values like "mailto:x@y" or "javascript:void(0)".
// "host:8080" is a port, not a scheme.
func hasOpaqueScheme(s string) bool {
	i := strings.IndexByte(s, ':')
	if i <= 0 {
		return false
	}
	if j := strings.IndexByte(s, '/'); j >= 0 && j < i {
		return false
	}
	for k, r := range s[:i] {
		isAlpha := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if k == 0 && !isAlpha {
			return false
		}
		if !isAlpha && !(r >= '0' && r <= '9') && r != '+' && r != '-' && r != '.' {
			return false
		}
	}
	rest := s[i+1:]
	return rest == "" || rest[0] < '0' || rest[0] > '9'
}

func validHost(host string) bool {
	if host == "" {
		return false
	}
	if host == "localhost" || net.ParseIP(host) != nil {
		return true
	}
	if !strings.Contains(host, ".") || strings.HasPrefix(host, ".") || strings.HasSuffix(host, ".") {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
		for _, r := range label {
			if r == '-' || r == '_' || r >= 0x80 ||
				(r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				continue
			}
			return false
		}
	}
	return true
}
