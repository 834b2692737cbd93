package db

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Error types for DSN validation failures
var (
	ErrDSNQuoted     = errors.New("dsn is wrapped in quotes; remove them from the environment value")
	ErrDSNWhitespace = errors.New("dsn contains internal whitespace")
	ErrDSNMalformed  = errors.New("dsn is not a valid connection url")
)

// SafeDSN holds the loggable components of a connection string. The password
// is deliberately absent; every log line about the database goes through this
// struct and nothing else.
type SafeDSN struct {
	URL             string // sanitized full DSN, never logged
	Host            string
	Port            string
	User            string
	DBName          string
	SSLMode         string
	PasswordPresent bool
	PasswordEncoded bool // true if the password survives url re-encoding unchanged
}

// IsZero reports whether this is the empty sentinel returned for a missing DSN.
func (d SafeDSN) IsZero() bool {
	return d.URL == ""
}

// Identity returns "user@host:port/dbname" for operator-facing output.
// It never includes the password.
func (d SafeDSN) Identity() string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s@%s:%s/%s", d.User, d.Host, d.Port, d.DBName)
}

// SanitizeDSN validates and normalizes a raw connection string.
//
// Order of checks: trim outer whitespace, reject quoted values, reject
// internal whitespace, parse the URL shape, then ensure sslmode is at least
// "require". An empty input returns the zero SafeDSN with no error so a
// missing DATABASE_URL can flow into the no-config readiness path instead of
// aborting boot.
func SanitizeDSN(raw string) (SafeDSN, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SafeDSN{}, nil
	}

	if isQuoted(trimmed) {
		return SafeDSN{}, fmt.Errorf("%w (starts with %q)", ErrDSNQuoted, trimmed[:1])
	}

	if strings.ContainsAny(trimmed, " \t\r\n") {
		return SafeDSN{}, ErrDSNWhitespace
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		return SafeDSN{}, fmt.Errorf("%w: scheme=%q host=%q", ErrDSNMalformed, schemeOf(u), hostOf(u))
	}

	safe := SafeDSN{
		Host:   u.Hostname(),
		Port:   u.Port(),
		DBName: strings.TrimPrefix(u.Path, "/"),
	}
	if safe.Port == "" {
		safe.Port = "5432"
	}
	if u.User != nil {
		safe.User = u.User.Username()
		if pw, set := u.User.Password(); set {
			safe.PasswordPresent = true
			safe.PasswordEncoded = url.QueryEscape(pw) == pw
		}
	}

	q := u.Query()
	safe.SSLMode = q.Get("sslmode")
	switch safe.SSLMode {
	case "", "disable", "allow", "prefer":
		// Pooler endpoints require TLS; anything weaker is upgraded.
		q.Set("sslmode", "require")
		u.RawQuery = q.Encode()
		safe.SSLMode = "require"
	}

	safe.URL = u.String()
	return safe, nil
}

func isQuoted(s string) bool {
	if len(s) < 2 {
		return false
	}
	first, last := s[0], s[len(s)-1]
	return (first == '"' && last == '"') || (first == '\'' && last == '\'')
}

func schemeOf(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Scheme
}

func hostOf(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Host
}
