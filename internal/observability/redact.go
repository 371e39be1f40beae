package observability

import (
	"regexp"
	"strings"
)

// Redactor scrubs upstream credential material from anything the gateway
// logs or stores. The default rules cover the key shapes of the provider
// families the gateway dispatches to, the OAuth token forms carried by
// oauth-typed keys, query-placed auth, and proxy URLs with inline
// credentials. Replacements keep the key family visible so operators can
// still tell which credential a log line is about.
type Redactor struct {
	rules []redactRule
}

type redactRule struct {
	re   *regexp.Regexp
	repl string
}

// NewRedactor returns a redactor loaded with the gateway's default rules.
func NewRedactor() *Redactor {
	r := &Redactor{}
	for _, d := range []struct{ pattern, repl string }{
		// Provider key material. Order matters: the prefixed Anthropic and
		// OpenAI project shapes must win over the generic sk- rule.
		{`sk-ant-[A-Za-z0-9_\-]{16,}`, "sk-ant-***"},
		{`sk-proj-[A-Za-z0-9_\-]{16,}`, "sk-proj-***"},
		{`sk-[A-Za-z0-9_\-]{16,}`, "sk-***"},
		{`AIza[0-9A-Za-z_\-]{35}`, "AIza***"},

		// OAuth material on oauth-typed keys: bearer values, Google access
		// and refresh tokens.
		{`Bearer\s+[A-Za-z0-9_\-.~+/=]+`, "Bearer ***"},
		{`ya29\.[0-9A-Za-z_\-.]+`, "ya29.***"},
		{`1//[0-9A-Za-z_\-]{16,}`, "1//***"},

		// Query-placed auth, as on endpoints with auth_in_query.
		{`([?&]key=)[^&\s"]+`, "${1}***"},

		// Proxy URLs with inline credentials.
		{`(https?|socks5)://([^:/\s@]+):([^@/\s]+)@`, "${1}://${2}:***@"},
	} {
		r.AddRule(d.pattern, d.repl)
	}
	return r
}

// AddRule registers an extra redaction rule. Invalid patterns are dropped.
func (r *Redactor) AddRule(pattern, repl string) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return
	}
	r.rules = append(r.rules, redactRule{re: re, repl: repl})
}

// Redact applies every rule to s.
func (r *Redactor) Redact(s string) string {
	for _, rule := range r.rules {
		s = rule.re.ReplaceAllString(s, rule.repl)
	}
	return s
}

// credentialHeaders are replaced wholesale in captured header sets; these
// are the headers the request builder places auth material into, plus the
// usual suspects.
var credentialHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"x-api-key":           true,
	"api-key":             true,
	"x-goog-api-key":      true,
	"x-auth-token":        true,
	"cookie":              true,
	"set-cookie":          true,
}

// RedactHeaders masks credential-bearing headers and runs the pattern rules
// over the remaining values, for stored request/response header captures.
func (r *Redactor) RedactHeaders(h map[string][]string) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, vs := range h {
		if credentialHeaders[strings.ToLower(k)] {
			out[k] = []string{"***"}
			continue
		}
		kept := make([]string, len(vs))
		for i, v := range vs {
			kept[i] = r.Redact(v)
		}
		out[k] = kept
	}
	return out
}
