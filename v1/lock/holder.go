package lock

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
)

var hostname = os.Hostname

// NewHolder returns a holder identity made of the host name, the process id
// and a random nonce, so identities differ across containers with equal pids
// and across acquisitions of one process.
func NewHolder() (string, error) {
	host, err := hostname()
	if err != nil {
		return "", fmt.Errorf("sesslock: resolve hostname: %w", err)
	}
	if host == "" {
		return "", errors.New("sesslock: resolve hostname: empty host name")
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()), nil
}
