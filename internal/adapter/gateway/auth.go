package gateway

import (
	"crypto/subtle"

	"assistant-chat/internal/domain"
)

// ClientInfo holds metadata about an authenticated gateway client.
type ClientInfo struct {
	Name string
}

// Authenticator validates incoming gateway connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

// NewAuthenticator returns a StaticTokenAuth for token, or OpenAuth when
// token is empty.
func NewAuthenticator(token string) Authenticator {
	if token == "" {
		return OpenAuth{}
	}
	return NewStaticTokenAuth(token, "client")
}

// StaticTokenAuth accepts a single shared token, compared in constant time.
type StaticTokenAuth struct {
	token []byte
	info  *ClientInfo
}

// NewStaticTokenAuth builds an authenticator for one token.
func NewStaticTokenAuth(token, name string) *StaticTokenAuth {
	return &StaticTokenAuth{token: []byte(token), info: &ClientInfo{Name: name}}
}

// Authenticate returns client info if the token is valid.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if subtle.ConstantTimeCompare([]byte(token), s.token) == 1 {
		return s.info, nil
	}
	return nil, domain.ErrGatewayAuthFailed
}

// OpenAuth admits every client. Only used on loopback addresses.
type OpenAuth struct{}

// Authenticate implements Authenticator.
func (OpenAuth) Authenticate(string) (*ClientInfo, error) {
	return &ClientInfo{Name: "local"}, nil
}
