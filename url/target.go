package url

import (
	"io"
	"strings"

	"github.com/pkg/errors"
)

// TargetForm selects one of the four request-target forms RFC 9112
// §3.2 defines. A client only ever needs to pick between them based on
// the method and whether it is talking through a proxy; the
// message.Request serializer decides which one applies per request.
type TargetForm int

const (
	// OriginForm is "path?query", used for ordinary requests sent
	// directly to the origin server.
	OriginForm TargetForm = iota
	// AbsoluteForm is the full "scheme://host[:port]/path?query", used
	// when sending a request through a forward proxy.
	AbsoluteForm
	// AuthorityForm is "host:port", used only for CONNECT.
	AuthorityForm
	// AsteriskForm is the literal "*", used only for a server-wide
	// OPTIONS request.
	AsteriskForm
)

// WriteRequestTarget renders the request-target for u in form, writing
// it to w. AuthorityForm and AsteriskForm ignore the path/query.
func WriteRequestTarget(w io.Writer, u URL, form TargetForm) error {
	var s string
	switch form {
	case OriginForm:
		s = originPath(u)
	case AbsoluteForm:
		s = u.String()
	case AuthorityForm:
		s = u.Authority()
	case AsteriskForm:
		s = "*"
	default:
		return errors.Errorf("unknown request-target form %d", form)
	}
	_, err := io.WriteString(w, s)
	return errors.Wrap(err, "writing request-target")
}

// RequestTarget is a convenience wrapper around [WriteRequestTarget]
// that returns the rendered string directly.
func RequestTarget(u URL, form TargetForm) (string, error) {
	var b strings.Builder
	if err := WriteRequestTarget(&b, u, form); err != nil {
		return "", err
	}
	return b.String(), nil
}
