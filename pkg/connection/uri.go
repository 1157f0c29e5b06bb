package connection

import (
	"strings"

	"github.com/tabulify/tabulify/pkg/errors"
)

// DataURI addresses resources as pattern@connection. The pattern is a
// backend path or a glob; the connection part is optional.
type DataURI struct {
	Pattern    string
	Connection string
}

// ParseDataURI splits a data URI on its last '@'
func ParseDataURI(s string) (DataURI, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DataURI{}, errors.New(errors.ErrorTypeConfig, "data uri is empty")
	}
	i := strings.LastIndex(s, "@")
	if i < 0 {
		return DataURI{Pattern: s}, nil
	}
	uri := DataURI{Pattern: s[:i], Connection: s[i+1:]}
	if uri.Connection == "" {
		return DataURI{}, errors.Newf(errors.ErrorTypeConfig, "data uri %q has an empty connection name", s)
	}
	if strings.ContainsAny(uri.Connection, "/\\ ") {
		return DataURI{}, errors.Newf(errors.ErrorTypeConfig, "data uri %q has an invalid connection name %q", s, uri.Connection)
	}
	return uri, nil
}

// MustParseDataURI is ParseDataURI panicking on error
func MustParseDataURI(s string) DataURI {
	uri, err := ParseDataURI(s)
	if err != nil {
		panic(err)
	}
	return uri
}

func (u DataURI) String() string {
	if u.Connection == "" {
		return u.Pattern
	}
	return u.Pattern + "@" + u.Connection
}

// Scheme returns the lowercased scheme of a connection URI ("sqlite" for
// sqlite:///tmp/db.sqlite). A URI without a scheme returns "".
func Scheme(uri string) string {
	i := strings.Index(uri, ":")
	if i <= 0 {
		return ""
	}
	scheme := uri[:i]
	for _, r := range scheme {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return ""
		}
	}
	return strings.ToLower(scheme)
}
