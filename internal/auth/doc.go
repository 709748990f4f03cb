// Package auth authenticates HTTP and websocket clients of the gateway.
//
// Clients present an HS256 JWT signed with the configured jwt_secret, either
// as an Authorization bearer header or, for browser websockets, as a "token"
// query parameter. Tokens carry:
//
//   - sub: who the client is, used for logging
//   - account_id: optional provider account the client is limited to
//
// The account claim becomes the broadcaster predicate for live pushes, so a
// scoped client only receives events for its own account.
//
//	v := auth.NewJWTVerifier(secret)
//	token, err := v.Generate("ops", "acct-1", 24*time.Hour)
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(v)(api))
//
// When no secret is configured the middleware is a passthrough and every
// client sees every account.
package auth
