// Package id generates opaque identifiers for sessions, messages,
// machines, and every other server-assigned id in the hub.
package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a 32-character nanoid using an alphanumeric alphabet.
func Generate() string {
	v, err := gonanoid.Generate(alphabet, 32)
	if err != nil {
		panic(fmt.Sprintf("id: generate nanoid: %v", err))
	}
	return v
}

// GenerateToken returns a 48-character nanoid, used for bearer tokens
// where a larger id space is worth the extra bytes.
func GenerateToken() string {
	v, err := gonanoid.Generate(alphabet, 48)
	if err != nil {
		panic(fmt.Sprintf("id: generate token: %v", err))
	}
	return v
}
