// Package auth provides optional token authentication for coven-relay.
//
// When auth.jwt_secret is configured, every websocket auth envelope must carry
// an HS256 JWT in its token field and every /api request must send one as
// "Authorization: Bearer <jwt>". Without a secret the relay accepts any client
// that declares a valid client type.
//
// # Claims
//
//   - sub: required, logged as the client's subject
//   - role: optional, one of "web", "agent" or "admin"
//   - exp: expiry, enforced
//
// A token with role "web" can only authenticate a web connection and a token
// with role "agent" only an agent connection. Admin tokens and tokens without a
// role are accepted for either. Agent tokens are refused by the HTTP API.
//
// # Minting
//
//	coven-relay token --subject alice --role web --ttl 24h
package auth
