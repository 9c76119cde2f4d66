package pin

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/simaogato/tokenwallet-backend/internal/domain"
)

// BcryptVerifier checks transaction PINs against bcrypt hashes.
// bcrypt's comparison runs in constant time with respect to the PIN.
type BcryptVerifier struct{}

func NewBcryptVerifier() *BcryptVerifier {
	return &BcryptVerifier{}
}

// Verify returns domain.ErrUnauthorized unless pin matches hash
func (v *BcryptVerifier) Verify(hash, pin string) error {
	if hash == "" {
		return fmt.Errorf("%w: no transaction pin set", domain.ErrUnauthorized)
	}
	if pin == "" {
		return fmt.Errorf("%w: transaction pin is required", domain.ErrUnauthorized)
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin))
	if err == nil {
		return nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return fmt.Errorf("%w: invalid transaction pin", domain.ErrUnauthorized)
	}
	return fmt.Errorf("%w: unusable pin hash: %v", domain.ErrUnauthorized, err)
}

// Hash returns the bcrypt hash stored for pin.
func Hash(pin string) (string, error) {
	if pin == "" {
		return "", errors.New("pin must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash pin: %w", err)
	}
	return string(hash), nil
}
