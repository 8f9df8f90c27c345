package app

import (
	"errors"
	"strings"
)

// ValidateSecurityConfig enforces Lectern's startup security policy.
//
// Fail-fast: a deployment that demands an operator-chosen admin password must
// not silently boot with a generated one.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.RequireAdminPassword && strings.TrimSpace(cfg.AdminPassword) == "" {
		return errors.New("security policy: LECTERN_REQUIRE_ADMIN_PASSWORD=true but LECTERN_ADMIN_PASSWORD is missing")
	}

	// Credentialed CORS with a wildcard origin is an open relay for cookies.
	if cfg.CORSAllowCredentials {
		for _, o := range cfg.CORSAllowedOrigins {
			if strings.TrimSpace(o) == "*" {
				return errors.New("security policy: wildcard CORS origin cannot be combined with credentials")
			}
		}
	}

	return nil
}
