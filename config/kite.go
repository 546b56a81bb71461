package config

import (
	"fmt"
	"os"
	"strings"
)

// ResolveAccessToken returns the Kite access token from, in order: the
// configured value (or KITE_ACCESS_TOKEN), the SSM parameter in prod, the token file.
// The login flow that produces the token lives outside this program.
func (c *Config) ResolveAccessToken() (string, error) {
	if t := strings.TrimSpace(c.Kite.AccessToken); t != "" {
		return t, nil
	}

	if c.Environment == "prod" && c.Kite.AccessTokenParameter != "" {
		if t := strings.TrimSpace(ParameterStoreValue(c.Kite.AccessTokenParameter, true)); t != "" {
			return t, nil
		}
	}

	if c.Kite.AccessTokenFile != "" {
		b, err := os.ReadFile(c.Kite.AccessTokenFile)
		if err == nil {
			if t := strings.TrimSpace(string(b)); t != "" {
				return t, nil
			}
		}
	}

	return "", fmt.Errorf("%w: no kite access token available", ErrConfiguration)
}
