package domain

import "strings"

// ServerEndpoint is one proxy server of the generation fleet.
type ServerEndpoint struct {
	URL     string
	IsLocal bool
}

// NormalizeServerURL is the identity used to compare endpoints.
func NormalizeServerURL(url string) string {
	return strings.TrimRight(strings.TrimSpace(url), "/")
}

// SameServer reports whether both endpoints name the same URL.
func (s ServerEndpoint) SameServer(other ServerEndpoint) bool {
	return NormalizeServerURL(s.URL) == NormalizeServerURL(other.URL)
}

// AffinityPair is the token and server that actually produced a success.
// Every continuation of the same job (generate after upload, poll after
// generate) must reuse it unchanged.
type AffinityPair struct {
	Token  Credential
	Server ServerEndpoint
}

// Valid reports whether the pair carries both halves.
func (p AffinityPair) Valid() bool {
	return p.Token.Valid() && NormalizeServerURL(p.Server.URL) != ""
}

// Equal compares token and server identity.
func (p AffinityPair) Equal(other AffinityPair) bool {
	return p.Token.Token == other.Token.Token && p.Server.SameServer(other.Server)
}
