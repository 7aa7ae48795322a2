// Package auth supplies the current-user identity and bearer credential used
// by the repository client and the push transport.
//
// # Provider
//
// A Provider returns the bearer token to attach to outgoing requests and the
// identity it represents:
//
//	p, err := auth.NewTokenProvider(auth.LoadToken(""))
//	req.Header.Set("Authorization", "Bearer "+p.Token())
//	me := p.Identity()
//
// The identity is read from the token's claims without verifying the
// signature; the server is the one that verifies. Both the "user_id" claim
// (issued by the conversation backend) and the standard "sub" claim are
// accepted.
//
// # Token Lookup
//
// LoadToken checks, in order: an explicit path, the CONVOSYNC_TOKEN
// environment variable, and $XDG_CONFIG_HOME/convosync/token
// (~/.config/convosync/token).
//
// # Signing
//
// JWTSigner issues and verifies HS256 tokens carrying the same claims. It is
// used by the development backend in internal/fakeserver.
package auth
