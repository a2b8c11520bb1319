package url

import "strings"

// ResolveReference resolves ref, which may be relative, against base,
// implementing RFC 3986 §5.3: an absolute URL is parsed as-is, a "//"
// network-path reference keeps base's scheme and replaces the
// authority, and a path or query reference is merged with base's path.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc3986#section-5.3
func (base URL) ResolveReference(ref string) (URL, error) {
	if looksAbsolute(ref) {
		return Parse(ref)
	}

	result := base

	if strings.HasPrefix(ref, "//") {
		// network-path reference: same scheme, new authority.
		authority, rest := cutAuthority(ref[2:])
		host, hasPort, port, err := parseAuthority(authority)
		if err != nil {
			return URL{}, err
		}
		result.Host, result.HasPort, result.Port = host, hasPort, port
		path, query, hasQuery := splitPathQuery(rest)
		result.Path, result.RawQuery, result.HasQuery = path, query, hasQuery
		return result, nil
	}

	path, query, hasQuery := splitPathQuery(ref)

	switch {
	case path == "":
		// reference is query-only (or empty): keep base path.
		if hasQuery {
			result.RawQuery, result.HasQuery = query, true
		}
	case strings.HasPrefix(path, "/"):
		result.Path = removeDotSegments(path)
		result.RawQuery, result.HasQuery = query, hasQuery
	default:
		result.Path = removeDotSegments(mergePath(base, path))
		result.RawQuery, result.HasQuery = query, hasQuery
	}

	return result, nil
}

func looksAbsolute(ref string) bool {
	scheme, rest, ok := cutScheme(ref)
	return ok && scheme != "" && strings.HasPrefix(rest, "//")
}

// mergePath implements RFC 3986 §5.3's merge step for a relative-path
// reference against a base that has an authority.
func mergePath(base URL, relPath string) string {
	if base.Path == "" {
		return "/" + relPath
	}
	if idx := strings.LastIndexByte(base.Path, '/'); idx >= 0 {
		return base.Path[:idx+1] + relPath
	}
	return relPath
}

// removeDotSegments implements RFC 3986 §5.2.4 using a plain slice as
// the output buffer in place of a stack type.
func removeDotSegments(path string) string {
	var out []string
	rest := path
	for rest != "" {
		switch {
		case strings.HasPrefix(rest, "../"):
			rest = rest[3:]
		case strings.HasPrefix(rest, "./"):
			rest = rest[2:]
		case strings.HasPrefix(rest, "/./"):
			rest = "/" + rest[3:]
		case rest == "/.":
			rest = "/"
		case strings.HasPrefix(rest, "/../"):
			rest = "/" + rest[4:]
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		case rest == "/..":
			rest = "/"
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		case rest == "." || rest == "..":
			rest = ""
		default:
			var seg string
			if strings.HasPrefix(rest, "/") {
				end := strings.IndexByte(rest[1:], '/')
				if end < 0 {
					seg = rest
					rest = ""
				} else {
					seg = rest[:end+1]
					rest = rest[end+1:]
				}
			} else {
				end := strings.IndexByte(rest, '/')
				if end < 0 {
					seg = rest
					rest = ""
				} else {
					seg = rest[:end]
					rest = rest[end:]
				}
			}
			out = append(out, seg)
		}
	}
	return strings.Join(out, "")
}
