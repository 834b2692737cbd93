package wscutils

import (
	"fmt"
	"io"
	"sync"

	"gopkg.in/yaml.v3"
)

// Row-level error codes written into the intake log. BATCH_ERROR entries use
// row index -1.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeDuplicate         = "DUPLICATE"
	ErrCodeValidationSkipped = "VALIDATION_SKIPPED"
	ErrCodeDB                = "DB_ERROR"
	ErrCodeBatch             = "BATCH_ERROR"
)

var (
	catalogMu    sync.RWMutex
	errorCatalog = map[string]string{
		ErrCodeValidation:        "row failed validation",
		ErrCodeDuplicate:         "row matched an existing judgment",
		ErrCodeValidationSkipped: "row skipped by policy",
		ErrCodeDB:                "database error while processing row",
		ErrCodeBatch:             "batch-level failure",
	}
)

// LoadErrorCatalog replaces the operator-facing message catalog from a YAML
// document of code: message pairs. Unknown codes keep their literal code as
// the message.
func LoadErrorCatalog(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read error catalog: %w", err)
	}
	loaded := map[string]string{}
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return fmt.Errorf("parse error catalog: %w", err)
	}
	catalogMu.Lock()
	defer catalogMu.Unlock()
	for code, msg := range loaded {
		errorCatalog[code] = msg
	}
	return nil
}

// MessageFor returns the operator-facing message for a row error code.
func MessageFor(code string) string {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	if msg, ok := errorCatalog[code]; ok {
		return msg
	}
	return code
}
