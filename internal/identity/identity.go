// Package identity authenticates API callers.
//
// It provides:
//   - TokenIssuer   : issues and verifies HS256 caller tokens
//   - OptionalToken : Gin middleware attaching caller claims when present
//   - RequireFeature: Gin middleware hiding a route from callers without a feature
//
// Authorization policy lives outside the ledger; this package only carries
// the caller's identity and feature flags to the routes.
package identity
