package db

import "strings"

// lockoutSignals are the pooler's active-lockout messages. Seeing one of
// these means further login attempts extend the lockout; the backoff for
// this class must be waited out in full.
var lockoutSignals = []string{
	"server_login_retry",
	"query_wait_timeout",
}

var authSignals = []string{
	"password authentication failed",
	"no pg_hba.conf entry",
	"permission denied for user",
	`role "`,
	`database "`,
}

var networkSignals = []string{
	"connection refused",
	"connect: connection refused",
	"i/o timeout",
	"timeout expired",
	"context deadline exceeded",
	"no route to host",
	"network is unreachable",
	"no such host",
	"name resolution",
	"dial error",
	"broken pipe",
	"connection reset by peer",
}

// Classify maps a low-level database error onto a failure class by pattern
// matching its message. A pure function on the message keeps the classifier
// stable across driver versions; lockout signals are checked first because a
// pooler lockout message can also carry a FATAL prefix.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassOther
	}
	msg := strings.ToLower(err.Error())

	for _, sig := range lockoutSignals {
		if strings.Contains(msg, sig) {
			return ClassLockout
		}
	}
	for _, sig := range authSignals {
		if strings.Contains(msg, strings.ToLower(sig)) {
			if sig == `role "` && !strings.Contains(msg, "does not exist") {
				continue
			}
			if sig == `database "` && !strings.Contains(msg, "does not exist") {
				continue
			}
			return ClassAuthFailure
		}
	}
	for _, sig := range networkSignals {
		if strings.Contains(msg, sig) {
			return ClassNetwork
		}
	}
	// Unclassified FATAL server responses are treated as auth-shaped: the
	// server accepted the connection and refused the login.
	if strings.Contains(msg, "fatal:") {
		return ClassAuthFailure
	}
	return ClassOther
}

// IsFatalClass reports whether a class should trigger the worker kill-switch
// (exit 78) rather than a retry loop.
func IsFatalClass(class ErrorClass) bool {
	return class == ClassAuthFailure || class == ClassLockout
}
