package logger

import (
	"net/url"
	"sort"
	"strings"
)

const redacted = "[REDACTED]"

// SanitizedEmail masks an email address for logging, keeping the first
// character of the mailbox and the top-level domain: "a****@*******.com"
func SanitizedEmail(email string) string {
	mailbox, domain, ok := strings.Cut(email, "@")
	if !ok || mailbox == "" || domain == "" || strings.Contains(domain, "@") {
		return "[invalid-email]"
	}

	mailbox = mailbox[:1] + strings.Repeat("*", len(mailbox)-1)

	labels := strings.Split(domain, ".")
	for i := 0; i < len(labels)-1; i++ {
		labels[i] = strings.Repeat("*", len(labels[i]))
	}

	return mailbox + "@" + strings.Join(labels, ".")
}

// SanitizedIdentity masks a login identity, which may be an email address
// or a plain login name
func SanitizedIdentity(identity string) string {
	if strings.Contains(identity, "@") {
		return SanitizedEmail(identity)
	}
	if len(identity) <= 2 {
		return strings.Repeat("*", len(identity))
	}
	return identity[:2] + strings.Repeat("*", len(identity)-2)
}

var sensitiveParams = []string{
	"password", "secret", "token", "code", "nonce",
	"challenge", "email", "identity", "auth", "key",
}

func sensitiveParam(name string) bool {
	name = strings.ToLower(name)
	for _, s := range sensitiveParams {
		if strings.Contains(name, s) {
			return true
		}
	}
	return false
}

// RedactQuery returns rawQuery with the values of sensitive parameters
// replaced. Parameters come back sorted by name. A query that does not parse
// is redacted whole.
func RedactQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return redacted
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		hide := sensitiveParam(name)
		for _, v := range values[name] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			if hide {
				b.WriteString(redacted)
			} else {
				b.WriteString(url.QueryEscape(v))
			}
		}
	}
	return b.String()
}
