package logging

import "regexp"

// Redactor replaces PII patterns in strings before they reach a log sink.
type Redactor struct {
	patterns []redactPattern
}

type redactPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// NewRedactor creates a redactor with the built-in patterns: email
// addresses, US social security numbers, phone numbers, and long account
// or card number runs.
func NewRedactor() *Redactor {
	compile := func(name, expr, replacement string) redactPattern {
		return redactPattern{name: name, regex: regexp.MustCompile(expr), replacement: replacement}
	}
	return &Redactor{
		patterns: []redactPattern{
			compile("email", `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`, "***@***"),
			compile("ssn", `\b\d{3}[-\s]?\d{2}[-\s]?\d{4}\b`, "***-**-****"),
			compile("phone", `\+?\d{1,3}[-\s]?\(?\d{3}\)?[-\s]?\d{3}[-\s]?\d{4}\b`, "***-***-****"),
			compile("account_number", `\b\d(?:[ -]?\d){12,18}\b`, "****"),
		},
	}
}

// Redact applies every pattern to s and returns the cleaned string.
func (r *Redactor) Redact(s string) string {
	for _, p := range r.patterns {
		s = p.regex.ReplaceAllString(s, p.replacement)
	}
	return s
}
