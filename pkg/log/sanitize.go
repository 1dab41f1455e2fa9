package log

import (
	"net/url"
	"strings"
)

// secretKeys are substrings of field names whose values are never logged in full.
var secretKeys = []string{
	"password", "passwd", "pwd",
	"api_key", "apikey", "api-key",
	"token", "secret", "auth",
	"credential", "private_key", "dsn",
}

// SanitizeField masks the value of a log field when its key names a secret.
// Broker and webhook URLs keep their host but lose the userinfo password.
func SanitizeField(key, value string) string {
	if value == "" {
		return value
	}
	k := strings.ToLower(key)

	if strings.HasSuffix(k, "uri") || strings.HasSuffix(k, "url") {
		return maskURLPassword(value)
	}
	for _, s := range secretKeys {
		if strings.Contains(k, s) {
			return maskMiddle(value)
		}
	}
	return value
}

// maskMiddle keeps at most four characters on each side.
func maskMiddle(value string) string {
	n := len(value)
	switch {
	case n <= 2:
		return strings.Repeat("*", n)
	case n <= 8:
		return value[:1] + strings.Repeat("*", n-2) + value[n-1:]
	default:
		return value[:4] + strings.Repeat("*", n-8) + value[n-4:]
	}
}

func maskURLPassword(value string) string {
	u, err := url.Parse(value)
	if err != nil {
		return value
	}
	return u.Redacted()
}
