package sip

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// branchMagic is the RFC 3261 magic cookie every branch must start with.
const branchMagic = "z9hG4bK"

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// NewBranch generates a transaction branch parameter.
func NewBranch() string {
	return branchMagic + randomHex(8)
}

// NewTag generates a From/To tag.
func NewTag() string {
	return randomHex(4)
}

// NewCallID generates a Call-ID scoped to the given host.
func NewCallID(host string) string {
	return fmt.Sprintf("%s@%s", randomHex(10), host)
}
