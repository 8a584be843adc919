package session

import (
	"encoding/hex"

	uuid "github.com/hashicorp/go-uuid"
)

const idBytes = 16

// NewID returns a random session id of 32 hex characters.
func NewID() (string, error) {
	b, err := uuid.GenerateRandomBytes(idBytes)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
