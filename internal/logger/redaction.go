package logger

import (
	"io"
	"regexp"
)

// DiagnosticLimit is the maximum length of worker diagnostic text kept in
// logs and ledger entries. Longer text is cut and marked.
const DiagnosticLimit = 1024

// TruncationMarker is appended to diagnostic text cut at DiagnosticLimit.
const TruncationMarker = "...[truncated]"

// Redactor redacts secret-shaped substrings from diagnostic text
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor covering the secret shapes a worker
// process is likely to leak: API-key prefixes, bearer tokens, long hex
// blobs, and cloud secret-key assignments.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// API keys (sk-... style prefixes)
			regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),

			// Bearer tokens
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),

			// Long hex blobs (digests, raw key material)
			regexp.MustCompile(`\b[0-9a-fA-F]{40,}\b`),

			// AWS access keys
			regexp.MustCompile(`AKIA[0-9A-Z]{16}`),

			// Secret-key style assignments
			regexp.MustCompile(`(?i)(api[_-]?key|secret[_-]?access[_-]?key|secret|password|token)["\s:=]+[^\s"',]+`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact redacts secret-shaped substrings from a string
func (r *Redactor) Redact(s string) string {
	result := s
	for _, pattern := range r.patterns {
		result = pattern.ReplaceAllString(result, "[REDACTED]")
	}
	return result
}

// Sanitize redacts and then truncates diagnostic text to DiagnosticLimit.
func (r *Redactor) Sanitize(s string) string {
	return Truncate(r.Redact(s), DiagnosticLimit)
}

// Truncate cuts s at limit bytes and appends the truncation marker.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + TruncationMarker
}

// Wrap wraps an io.Writer to redact secret-shaped substrings
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

func (w *redactingWriter) Write(p []byte) (n int, err error) {
	redacted := w.redactor.Redact(string(p))
	if _, err := w.writer.Write([]byte(redacted)); err != nil {
		return 0, err
	}
	// Report the original length so callers don't see short writes.
	return len(p), nil
}
