package dbconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CheckToken inspects a bearer credential before it is sent to the server.
// JWTs are parsed without signature verification (the database verifies
// them) so an expired or not-yet-valid token fails fast. Tokens that are not
// JWTs are treated as opaque and accepted.
func CheckToken(token string, now time.Time) error {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil
	}
	if strings.Count(token, ".") != 2 {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("malformed bearer token: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("reading token expiry: %w", err)
	}
	if exp != nil && !now.Before(exp.Time) {
		return fmt.Errorf("bearer token expired at %s", exp.Time.UTC().Format(time.RFC3339))
	}

	nbf, err := claims.GetNotBefore()
	if err != nil {
		return fmt.Errorf("reading token not-before: %w", err)
	}
	if nbf != nil && now.Before(nbf.Time) {
		return fmt.Errorf("bearer token not valid before %s", nbf.Time.UTC().Format(time.RFC3339))
	}
	return nil
}
