package config

import "sync/atomic"

// Credential holds the current OAuth refresh token.
// Readers always observe either the previous or the new value in full.
type Credential struct {
	v atomic.Pointer[string]
}

// NewCredential creates a credential holding token.
func NewCredential(token string) *Credential {
	c := &Credential{}
	c.Set(token)
	return c
}

// Get returns the current token. A nil credential yields "".
func (c *Credential) Get() string {
	if c == nil {
		return ""
	}
	if p := c.v.Load(); p != nil {
		return *p
	}
	return ""
}

// Set replaces the token.
func (c *Credential) Set(token string) {
	c.v.Store(&token)
}
