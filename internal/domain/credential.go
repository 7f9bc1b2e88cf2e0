package domain

import "strings"

// CredentialOrigin records where a resolved auth token came from.
type CredentialOrigin string

const (
	OriginExplicit      CredentialOrigin = "explicit"
	OriginCachedLocal   CredentialOrigin = "cached_local"
	OriginFetchedRemote CredentialOrigin = "fetched_remote"
)

// Credential is the bearer token used against a proxy server.
type Credential struct {
	Token  string
	Origin CredentialOrigin
}

// Valid reports whether the token is usable.
func (c Credential) Valid() bool {
	return strings.TrimSpace(c.Token) != ""
}

// Tail returns the last six characters of the token for log lines.
func (c Credential) Tail() string {
	return TokenTail(c.Token)
}

// TokenTail keeps only the last six characters of a secret.
func TokenTail(token string) string {
	token = strings.TrimSpace(token)
	if len(token) <= 6 {
		return "..." + token
	}
	return "..." + token[len(token)-6:]
}
