// Package auth resolves bearer tokens to venue user ids.
package auth

import "errors"

// ErrInvalidToken is returned when a presented token is unknown.
var ErrInvalidToken = errors.New("invalid bearer token")

// Validator resolves a bearer token to a user id.
type Validator interface {
	Validate(token string) (int64, error)
}

// Static validates tokens against a fixed table loaded from
// configuration.
type Static struct {
	tokens map[string]int64
}

// NewStatic copies the token table so later config mutation cannot
// change live authorization.
func NewStatic(tokens map[string]int64) *Static {
	cp := make(map[string]int64, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &Static{tokens: cp}
}

// Validate implements Validator.
func (s *Static) Validate(token string) (int64, error) {
	if id, ok := s.tokens[token]; ok {
		return id, nil
	}
	return 0, ErrInvalidToken
}
