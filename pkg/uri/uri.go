// Package uri provides the immutable resource identifier used across DittoVFS.
//
// A URI identifies a resource as scheme://authority/path?query#fragment. The
// scheme selects the provider that owns the resource; the remaining parts are
// interpreted by that provider. Values are comparable and safe to use as map
// keys.
package uri

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var schemePattern = regexp.MustCompile(`^[a-z][a-z0-9+.\-]*$`)

// URI is an immutable resource identifier.
//
// The zero value is not a valid URI; use Parse, MustParse or From.
type URI struct {
	scheme    string
	authority string
	path      string
	query     string
	fragment  string
}

// Parse parses a raw URI string.
//
// The scheme is required and normalized to lower case. The path is cleaned
// and always rooted when present, so "mem://a/x/../b.txt" and
// "mem://a/b.txt" parse to the same value.
func Parse(raw string) (URI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return URI{}, fmt.Errorf("invalid uri %q: %w", raw, err)
	}
	if u.Scheme == "" {
		return URI{}, fmt.Errorf("invalid uri %q: missing scheme", raw)
	}

	authority := u.Host
	if u.User != nil {
		authority = u.User.String() + "@" + u.Host
	}

	p := u.Path
	if u.Opaque != "" {
		p = u.Opaque
	}

	return From(u.Scheme, authority, p, u.RawQuery, u.Fragment)
}

// MustParse is like Parse but panics on error. Intended for tests and
// constants.
func MustParse(raw string) URI {
	u, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// From builds a URI from its components.
func From(scheme, authority, p, query, fragment string) (URI, error) {
	scheme = strings.ToLower(scheme)
	if !ValidScheme(scheme) {
		return URI{}, fmt.Errorf("invalid uri scheme %q", scheme)
	}
	return URI{
		scheme:    scheme,
		authority: authority,
		path:      cleanPath(p),
		query:     query,
		fragment:  fragment,
	}, nil
}

// File returns a file:// URI for an absolute slash-separated path.
func File(p string) URI {
	return URI{scheme: "file", path: cleanPath(p)}
}

// ValidScheme reports whether s is an acceptable (lower-case) scheme.
func ValidScheme(s string) bool {
	return schemePattern.MatchString(s)
}

func cleanPath(p string) string {
	if p == "" {
		return ""
	}
	cleaned := path.Clean("/" + p)
	return cleaned
}

func (u URI) Scheme() string    { return u.scheme }
func (u URI) Authority() string { return u.authority }
func (u URI) Path() string      { return u.path }
func (u URI) Query() string     { return u.query }
func (u URI) Fragment() string  { return u.fragment }

// IsZero reports whether u is the zero value.
func (u URI) IsZero() bool {
	return u == URI{}
}

// String formats the URI. Parse(u.String()) yields u.
func (u URI) String() string {
	if u.IsZero() {
		return ""
	}
	var b strings.Builder
	b.WriteString(u.scheme)
	b.WriteString("://")
	b.WriteString(u.authority)
	if u.path != "" {
		b.WriteString((&url.URL{Path: u.path}).EscapedPath())
	}
	if u.query != "" {
		b.WriteByte('?')
		b.WriteString(u.query)
	}
	if u.fragment != "" {
		b.WriteByte('#')
		b.WriteString(url.PathEscape(u.fragment))
	}
	return b.String()
}

// Key returns the canonical identity of the resource, used for watch
// de-duplication and map keys across process boundaries. Two URIs have the
// same Key exactly when they are Equal.
func (u URI) Key() string {
	return URI{scheme: u.scheme, authority: u.authority, path: u.rootedPath()}.String()
}

// Location flattens authority and path into a single rooted path.
//
//	mem://a/b.txt -> /a/b.txt
//	mem:///b.txt  -> /b.txt
//	mem://a       -> /a
func (u URI) Location() string {
	return path.Join("/", u.authority, u.path)
}

// IsRoot reports whether u addresses the root of its authority.
func (u URI) IsRoot() bool {
	return u.path == "" || u.path == "/"
}

// Base returns the last path element, or the authority for a root URI.
func (u URI) Base() string {
	if u.IsRoot() {
		return u.authority
	}
	return path.Base(u.path)
}

// WithPath returns a copy of u with the path replaced. Query and fragment are
// dropped because they belong to the original resource.
func (u URI) WithPath(p string) URI {
	return URI{scheme: u.scheme, authority: u.authority, path: cleanPath(p)}
}

// Join appends path elements.
func (u URI) Join(elem ...string) URI {
	base := u.path
	if base == "" {
		base = "/"
	}
	return u.WithPath(path.Join(append([]string{base}, elem...)...))
}

// Dir returns the parent resource. The parent of a root URI is the root.
func (u URI) Dir() URI {
	if u.IsRoot() {
		return u.WithPath("/")
	}
	return u.WithPath(path.Dir(u.path))
}

// Equal reports whether two URIs identify the same resource, ignoring query
// and fragment.
func (u URI) Equal(other URI) bool {
	return u.scheme == other.scheme &&
		u.authority == other.authority &&
		u.rootedPath() == other.rootedPath()
}

// IsEqualOrParent reports whether other is u or lives below u.
func (u URI) IsEqualOrParent(other URI) bool {
	if u.scheme != other.scheme || u.authority != other.authority {
		return false
	}
	parent := u.rootedPath()
	child := other.rootedPath()
	if parent == child || parent == "/" {
		return true
	}
	return strings.HasPrefix(child, parent+"/")
}

func (u URI) rootedPath() string {
	if u.path == "" {
		return "/"
	}
	return u.path
}

// MarshalText implements encoding.TextMarshaler.
func (u URI) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *URI) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
