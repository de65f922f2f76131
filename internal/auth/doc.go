// Package auth resolves bearer tokens to user ids.
//
// Credentials are issued elsewhere; this package only checks them. Tokens are
// HS256 JWTs whose sub claim is the user's UUID:
//
//	verifier, _ := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
//	resolver := auth.NewJWTResolver(verifier)
//	userID, err := resolver.ResolveUser(ctx, token)
//
// HTTPAuthMiddleware guards REST routes and stores the user id in the request
// context; handlers read it back with UserFromContext. Live connections call
// ResolveUser once, right after the channel is established.
package auth
