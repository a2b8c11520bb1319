// Package url implements the slice of RFC 3986 that an HTTP/1.1 client
// actually needs: parsing an absolute or relative reference into a
// scheme/authority/path+query triple, and rendering the four
// request-target forms RFC 9112 §3.2 defines. It intentionally does not
// chase full URI generality (no opaque-part support, no userinfo
// round-tripping beyond parsing) — see [Parse].
//
// Reference: https://datatracker.ietf.org/doc/html/rfc3986
package url

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"httpstack/herr"
)

// URL is a parsed, immutable request URL: scheme, optional authority
// (host/port), and path+query. It never carries a fragment — fragments
// are not sent to servers and are stripped during Parse.
type URL struct {
	Scheme   string
	Host     string // decoded, lowercased; empty if no authority
	HasPort  bool
	Port     uint16
	Path     string // percent-encoded, forwarded as-is on the wire
	RawQuery string
	HasQuery bool
}

// Parse parses an absolute URL such as "http://example.com/api?x=1".
// Only absolute references are accepted; relative references (used only
// while resolving a redirect's Location header) go through [ResolveReference].
func Parse(raw string) (URL, error) {
	scheme, rest, ok := cutScheme(raw)
	if !ok {
		return URL{}, errors.Wrapf(herr.ErrMalformedURL, "no scheme in %q", raw)
	}

	if !strings.HasPrefix(rest, "//") {
		return URL{}, errors.Wrapf(herr.ErrMalformedURL, "no authority in %q", raw)
	}
	rest = rest[2:]

	authority, rest := cutAuthority(rest)

	host, hasPort, port, err := parseAuthority(authority)
	if err != nil {
		return URL{}, errors.Wrap(err, "parsing authority")
	}
	if host == "" {
		return URL{}, herr.ErrNoHostInURL
	}

	path, rawQuery, hasQuery := splitPathQuery(rest)

	return URL{
		Scheme:   strings.ToLower(scheme),
		Host:     host,
		HasPort:  hasPort,
		Port:     port,
		Path:     path,
		RawQuery: rawQuery,
		HasQuery: hasQuery,
	}, nil
}

func cutScheme(raw string) (scheme, rest string, ok bool) {
	idx := strings.IndexByte(raw, ':')
	if idx <= 0 {
		return "", raw, false
	}
	scheme = raw[:idx]
	for i := 0; i < len(scheme); i++ {
		c := scheme[i]
		alpha := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		digit := c >= '0' && c <= '9'
		if i == 0 && !alpha {
			return "", raw, false
		}
		if !alpha && !digit && c != '+' && c != '-' && c != '.' {
			return "", raw, false
		}
	}
	return scheme, raw[idx+1:], true
}

func cutAuthority(raw string) (authority, rest string) {
	if idx := strings.IndexByte(raw, '/'); idx >= 0 {
		return raw[:idx], raw[idx:]
	}
	if idx := strings.IndexAny(raw, "?#"); idx >= 0 {
		return raw[:idx], raw[idx:]
	}
	return raw, ""
}

// parseAuthority splits "[userinfo@]host[:port]" (userinfo, if any, is
// discarded — this client never sends credentials in the URL itself).
func parseAuthority(raw string) (host string, hasPort bool, port uint16, err error) {
	if idx := strings.LastIndexByte(raw, '@'); idx >= 0 {
		raw = raw[idx+1:]
	}

	var hostPart, portPart string
	if strings.HasPrefix(raw, "[") {
		end := strings.IndexByte(raw, ']')
		if end < 0 {
			return "", false, 0, errors.New("missing ']' in IPv6 literal")
		}
		hostPart = raw[:end+1]
		portPart = raw[end+1:]
	} else if idx := strings.LastIndexByte(raw, ':'); idx >= 0 {
		hostPart, portPart = raw[:idx], raw[idx:]
	} else {
		hostPart = raw
	}

	decodedHost, err := decodeHost(hostPart)
	if err != nil {
		return "", false, 0, errors.Wrap(err, "decoding host")
	}

	if portPart == "" {
		return decodedHost, false, 0, nil
	}
	if portPart[0] != ':' {
		return "", false, 0, errors.New("malformed port")
	}
	portPart = portPart[1:]
	if portPart == "" {
		return decodedHost, false, 0, nil
	}
	n, err := strconv.ParseUint(portPart, 10, 16)
	if err != nil {
		return "", false, 0, errors.Wrap(err, "parsing port")
	}
	return decodedHost, true, uint16(n), nil
}

func splitPathQuery(raw string) (path, rawQuery string, hasQuery bool) {
	if idx := strings.IndexByte(raw, '#'); idx >= 0 {
		raw = raw[:idx] // fragments are never sent on the wire
	}
	if idx := strings.IndexByte(raw, '?'); idx >= 0 {
		return raw[:idx], raw[idx+1:], true
	}
	return raw, "", false
}

// IsSecure reports whether the scheme requires TLS. Comparison is
// case-insensitive; the scheme is already lowercased by Parse but this
// also accepts values assembled by hand.
func (u URL) IsSecure() bool {
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		return true
	default:
		return false
	}
}

// PortPolicy controls how [URL.ResolvedPort] behaves when no port is
// present on the URL.
type PortPolicy int

const (
	// ExactOnly fails if the URL carries no explicit port.
	ExactOnly PortPolicy = iota
	// DefaultForKnownSchemes falls back to 80/443 for http/https (and
	// ws/wss), failing only for unrecognized schemes.
	DefaultForKnownSchemes
	// ErrorOnUnknown is an alias of DefaultForKnownSchemes kept for
	// symmetry with the spec's naming of the policy values; it behaves
	// identically since an unknown scheme has no default to fall back
	// to either way.
	ErrorOnUnknown
)

// DefaultPort returns the well-known port for scheme, if any.
func DefaultPort(scheme string) (port uint16, ok bool) {
	switch strings.ToLower(scheme) {
	case "http", "ws":
		return 80, true
	case "https", "wss":
		return 443, true
	default:
		return 0, false
	}
}

// ResolvedPort resolves the effective port for u under policy.
func (u URL) ResolvedPort(policy PortPolicy) (uint16, error) {
	if u.HasPort {
		return u.Port, nil
	}
	if policy == ExactOnly {
		return 0, herr.ErrPortMissing
	}
	port, ok := DefaultPort(u.Scheme)
	if !ok {
		return 0, errors.Wrapf(herr.ErrUnknownSchemeNoDefault, "scheme %q", u.Scheme)
	}
	return port, nil
}

// Authority renders "host[:port]", appending the port only when it was
// explicitly present on the URL (no synthesized defaults on the wire).
func (u URL) Authority() string {
	if !u.HasPort {
		return u.Host
	}
	return u.Host + ":" + strconv.FormatUint(uint64(u.Port), 10)
}

// String renders the absolute form of u.
func (u URL) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.Authority())
	b.WriteString(originPath(u))
	return b.String()
}

func originPath(u URL) string {
	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.HasQuery {
		return path + "?" + u.RawQuery
	}
	return path
}
