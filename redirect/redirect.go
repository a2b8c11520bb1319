// Package redirect implements the redirect controller: Location
// resolution, the RFC 7231-compatible method/body rewrite table, and
// cross-origin Authorization/Cookie stripping.
package redirect

import (
	"strings"

	"github.com/pkg/errors"

	"httpstack/herr"
	"httpstack/message"
	"httpstack/url"
)

// maxLocationLength bounds the Location header accepted for
// resolution, the same defensive-cap idiom maxHeaderBytes applies to
// the incremental header read.
const maxLocationLength = 8192

// Controller follows 3xx responses up to MaxRedirects hops.
type Controller struct {
	MaxRedirects int
}

// New returns a Controller bounded by maxRedirects.
func New(maxRedirects int) *Controller {
	return &Controller{MaxRedirects: maxRedirects}
}

// NextRequest computes the request to issue for the next hop, given
// the request that produced resp and the number of redirects already
// followed. It does not perform I/O; the caller dispatches the
// returned request and loops.
func (c *Controller) NextRequest(prev *message.Request, resp *message.Response, redirectsSoFar int) (*message.Request, error) {
	if redirectsSoFar >= c.MaxRedirects {
		return nil, errors.Wrapf(herr.ErrTooManyRedirects, "exceeded %d redirects", c.MaxRedirects)
	}

	location, ok := resp.GetLocation()
	if !ok {
		return nil, herr.ErrMissingLocationHeader
	}
	if len(location) > maxLocationLength {
		return nil, errors.Wrapf(herr.ErrLocationTooLong, "location header is %d bytes", len(location))
	}

	newURL, err := prev.URL.ResolveReference(location)
	if err != nil {
		return nil, errors.Wrap(err, "resolving location")
	}

	method, dropBody := rewriteMethod(prev.Method, resp.StatusCode)

	next := &message.Request{
		Method:  method,
		URL:     newURL,
		Headers: message.NewHeaders(),
	}
	next.Headers.Set("Host", hostHeaderValue(newURL))

	crossOrigin := isCrossOrigin(prev.URL, newURL)
	for _, f := range prev.Headers.Fields() {
		if strings.EqualFold(f.Name, "Host") {
			continue // regenerated above
		}
		if crossOrigin && isSensitiveHeader(f.Name) {
			continue
		}
		next.Headers.Set(f.Name, f.Value)
	}

	if !dropBody {
		next.Body = prev.Body
	}

	return next, nil
}

// rewriteMethod applies the 3xx method/body rewrite table: 303 always
// switches to GET and drops the body; 301/302 do the same but only
// when the original method was POST (pragmatic RFC 7231
// compatibility); 307/308 preserve method and body; any other 3xx
// preserves both.
func rewriteMethod(method message.Method, status int) (newMethod message.Method, dropBody bool) {
	switch status {
	case 303:
		return message.GET, true
	case 301, 302:
		if method == message.POST {
			return message.GET, true
		}
		return method, false
	case 307, 308:
		return method, false
	default:
		return method, false
	}
}

// isCrossOrigin compares scheme, host (byte-exact), and port, with a
// missing port compared as 0.
func isCrossOrigin(a, b url.URL) bool {
	if !strings.EqualFold(a.Scheme, b.Scheme) {
		return true
	}
	if a.Host != b.Host {
		return true
	}
	return effectivePort(a) != effectivePort(b)
}

func effectivePort(u url.URL) uint16 {
	if u.HasPort {
		return u.Port
	}
	return 0
}

func isSensitiveHeader(name string) bool {
	return strings.EqualFold(name, "Authorization") || strings.EqualFold(name, "Cookie")
}

func hostHeaderValue(u url.URL) string {
	if !u.HasPort {
		return u.Host
	}
	if def, ok := url.DefaultPort(u.Scheme); ok && def == u.Port {
		return u.Host
	}
	return u.Authority()
}
