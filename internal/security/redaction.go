// Package security scrubs session keys and other secrets out of envelopes and
// error text before they are journaled or logged.
package security

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/g960059/portal/internal/wire"
)

const Redacted = "[REDACTED]"

var (
	secretKeyExpr        = `(?:password|passwd|secret|session[_-]?key|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern      = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	jsonSecretPattern    = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	bearerTokenPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	uuidPattern          = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	sensitiveFieldSuffix = []string{"key", "token", "secret", "password"}
)

// RedactText masks key=value secrets, bearer tokens and anything shaped like
// a session key in free text such as error messages.
func RedactText(input string) string {
	if input == "" {
		return ""
	}
	out := jsonSecretPattern.ReplaceAllString(input, `${1}"`+Redacted+`"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return Redacted
		}
		return match[:idx+1] + " " + Redacted
	})
	out = bearerTokenPattern.ReplaceAllString(out, "Bearer "+Redacted)
	out = uuidPattern.ReplaceAllString(out, Redacted)
	return out
}

// SensitiveField reports whether a field name carries a credential.
func SensitiveField(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, suffix := range sensitiveFieldSuffix {
		if n == suffix || strings.HasSuffix(n, "_"+suffix) {
			return true
		}
	}
	return false
}

// RedactEnvelope renders env's fields as a JSON object suitable for storage.
// Sensitive fields are masked, string values are run through RedactText and
// binary payloads are replaced by their length.
func RedactEnvelope(env *wire.Envelope) string {
	if env == nil || len(env.Fields) == 0 {
		return ""
	}
	out := make(map[string]string, len(env.Fields))
	for _, name := range env.Names() {
		v, _ := env.Get(name)
		switch {
		case SensitiveField(name):
			out[name] = Redacted
		case v.Kind == wire.KindBinary:
			b, _ := v.AsBinary()
			out[name] = fmt.Sprintf("[%d bytes]", len(b))
		case v.Kind == wire.KindString:
			s, _ := v.AsString()
			out[name] = RedactText(s)
		default:
			out[name] = v.String()
		}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return ""
	}
	return string(raw)
}

// RedactError renders err for storage, or "" for nil.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return RedactText(err.Error())
}
