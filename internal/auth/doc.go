// Package auth provides HS256 JWT bearer-token minting and
// verification.
//
// # Tokens
//
// The dispatcher builds a verifier from its configured auth secret and
// uses it to check the bearer token on its HTTP ingress endpoint, the
// one the standalone chat bridge posts to. No binary in this repository
// mints tokens; Generate is used by the package tests and by whatever
// issues tokens to the chat bridge.
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate(principalID, time.Hour)
//	principalID, err := verifier.Verify(token)
//
// The secret must be at least auth.MinSecretLength bytes; a shorter
// secret is rejected at construction time rather than at first use.
package auth
