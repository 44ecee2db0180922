package respond

import "regexp"

// organizationIDPattern matches OpenAI-style org/project identifiers
// embedded in upstream error bodies (e.g. "org-AbCdEf123...",
// "proj_AbCdEf123...") so they can be redacted before reaching the client
// (SPEC_FULL.md §7).
var organizationIDPattern = regexp.MustCompile(`\b(org|proj)[-_][A-Za-z0-9]{10,}\b`)

const redactedOrgPlaceholder = "[redacted]"
const genericImageURLMessage = "The requested image could not be processed."

// Sanitize strips organization/project identifiers from an upstream error
// message and replaces any "invalid_image_url"-flavored message with a
// generic phrase (§7, §8: "sanitize(sanitize(x)) == sanitize(x)").
func Sanitize(message string) string {
	out := organizationIDPattern.ReplaceAllString(message, redactedOrgPlaceholder)
	if invalidImageURLPattern.MatchString(out) {
		out = genericImageURLMessage
	}
	return out
}

var invalidImageURLPattern = regexp.MustCompile(`(?i)invalid_image_url|invalid image url`)
