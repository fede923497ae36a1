package auth

import "context"

type ctxKey int

const claimsKey ctxKey = iota

// WithClaims returns a copy of ctx carrying the authenticated caller.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// FromContext returns the caller stored by WithClaims. The middleware always stores one, so a
// false result on an authenticated route means the middleware was not mounted.
func FromContext(ctx context.Context) (*Claims, bool) {
	if claims, ok := ctx.Value(claimsKey).(*Claims); ok && claims != nil {
		return claims, true
	}
	return nil, false
}
