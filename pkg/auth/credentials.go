// Package auth implements credential parsing, password verification,
// JWT minting and verification, and the permission check guarding the
// dispatch protocol.
package auth

import (
	"encoding/base64"
	"strings"
	"unicode/utf8"
)

// CredentialKind discriminates the parsed credential taxonomy.
type CredentialKind string

const (
	// KindNone is the fail-soft result for absent or malformed headers.
	KindNone CredentialKind = "None"
	// KindBasic carries a username/password pair.
	KindBasic CredentialKind = "Basic"
	// KindBearer carries an unverified JWT.
	KindBearer CredentialKind = "Bearer"
	// KindSystem is the internal sentinel used by server-side
	// schedulers. It never appears on the wire and always authorizes.
	KindSystem CredentialKind = "System"
)

// Credential is a parsed Authorization header (or the System sentinel).
type Credential struct {
	Kind     CredentialKind
	Username string
	Password string
	Token    string
}

// None is the absent credential.
func None() Credential { return Credential{Kind: KindNone} }

// System is the internal scheduler credential.
func System() Credential { return Credential{Kind: KindSystem} }

// Basic builds a basic credential.
func Basic(username, password string) Credential {
	return Credential{Kind: KindBasic, Username: username, Password: password}
}

// Bearer builds a bearer credential from an unverified token.
func Bearer(token string) Credential {
	return Credential{Kind: KindBearer, Token: token}
}

// BasicHeader renders the Authorization header value for a basic
// credential, as sent by agents.
func BasicHeader(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

// ParseHeader parses an Authorization header value. Any malformed
// input or unsupported scheme fails soft to None; whether None is
// acceptable is decided where the operation is dispatched.
func ParseHeader(header string) Credential {
	scheme, value, ok := strings.Cut(header, " ")
	if !ok || value == "" || strings.Contains(value, " ") {
		return None()
	}

	switch scheme {
	case "Basic":
		raw, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return None()
		}
		if !utf8.Valid(raw) {
			return None()
		}
		username, password, ok := strings.Cut(string(raw), ":")
		if !ok {
			return None()
		}
		return Basic(username, password)

	case "Bearer":
		segments := strings.Split(value, ".")
		if len(segments) != 3 {
			return None()
		}
		// Header and payload must decode; the signature is checked at
		// authenticate time, not here.
		for _, segment := range segments[:2] {
			if _, err := base64.RawURLEncoding.DecodeString(segment); err != nil {
				return None()
			}
		}
		return Bearer(value)

	default:
		return None()
	}
}
