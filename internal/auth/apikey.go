package auth

import "crypto/subtle"

// APIKeyClientID is the client id recorded for requests that present the
// raw API key instead of a token.
const APIKeyClientID = "api-key"

// CheckAPIKey compares a presented key with the configured one in constant
// time. An empty configured key never matches.
func CheckAPIKey(presented, configured string) bool {
	if configured == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// Authenticate accepts either the raw API key or a token signed with it and
// returns the caller's client id.
func Authenticate(credential string, cfg TokenConfig) (string, bool) {
	if CheckAPIKey(credential, cfg.Secret) {
		return APIKeyClientID, true
	}
	claims, err := VerifyToken(credential, cfg)
	if err != nil {
		return "", false
	}
	return claims.ClientID, true
}
