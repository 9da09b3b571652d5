package identity

import (
	"strings"
)

// Mask produces a short, human-readable form of a credential for logs.
//
// Emails keep their local part ("alice@example.com" -> "alice@..."), file
// paths keep the base name with a ".json" extension stripped, and raw keys are
// replaced by the first 6 characters of their hash. Raw key bytes never
// appear in the output.
func Mask(credential string) string {
	if credential == "" {
		return "<empty>"
	}

	if at := strings.Index(credential, "@"); at > 0 && !strings.ContainsAny(credential, `/\`) {
		return credential[:at] + "@..."
	}

	if isOAuthPath(credential) {
		base := credential
		if i := strings.LastIndexAny(base, `/\`); i >= 0 {
			base = base[i+1:]
		}
		base = strings.TrimSuffix(base, ".json")
		if base == "" {
			return hashContent(credential)[:6]
		}
		return base
	}

	return hashContent(credential)[:6]
}
