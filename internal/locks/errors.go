package locks

import (
	"errors"
	"fmt"
)

var (
	ErrKeyInvalid   = errors.New("locks: invalid key")
	ErrInvalidToken = errors.New("locks: invalid token")
)

type KeyInvalidError struct {
	Key    Key
	Reason string
}

func (e *KeyInvalidError) Error() string {
	return fmt.Sprintf("invalid lock key %q: %s", e.Key.String(), e.Reason)
}

func (e *KeyInvalidError) Is(target error) bool { return target == ErrKeyInvalid }

// InvalidTokenError is returned when releasing a token the table does not
// hold: never issued, or already released.
type InvalidTokenError struct {
	TokenID string
	Key     Key
}

func (e *InvalidTokenError) Error() string {
	return fmt.Sprintf("invalid lock token: id=%s key=%s", e.TokenID, e.Key.String())
}

func (e *InvalidTokenError) Is(target error) bool { return target == ErrInvalidToken }
