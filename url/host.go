package url

import (
	"net"
	"strings"

	"github.com/pkg/errors"
)

// decodeHost percent-decodes a host component and lowercases it. IPv6
// literals keep their enclosing brackets and are validated with
// [net.ParseIP] rather than a hand-rolled IPv6 grammar.
func decodeHost(raw string) (string, error) {
	if strings.HasPrefix(raw, "[") {
		if !strings.HasSuffix(raw, "]") {
			return "", errors.New("missing ']' in IPv6 literal")
		}
		inner := raw[1 : len(raw)-1]
		if net.ParseIP(inner) == nil {
			return "", errors.Errorf("invalid IPv6 literal %q", inner)
		}
		return "[" + strings.ToLower(inner) + "]", nil
	}

	decoded, err := unescape(raw)
	if err != nil {
		return "", errors.Wrap(err, "percent-decoding host")
	}
	return strings.ToLower(decoded), nil
}

func unescape(s string) (string, error) {
	if !strings.ContainsRune(s, '%') {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", errors.New("truncated percent-encoding")
		}
		hi, ok1 := unhex(s[i+1])
		lo, ok2 := unhex(s[i+2])
		if !ok1 || !ok2 {
			return "", errors.Errorf("invalid percent-encoding %q", s[i:i+3])
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
