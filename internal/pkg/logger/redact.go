package logger

import "strings"

// RedactEmail masks a recipient address for log output.
// "john.doe@example.com" → "jo***@example.com"; local parts of two
// characters or fewer are fully masked. Anything that is not a single
// local@domain pair becomes "***@***".
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(strings.TrimSpace(email), "@")
	if !ok || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(local) > 2 {
		return local[:2] + "***@" + domain
	}
	return "***@" + domain
}
