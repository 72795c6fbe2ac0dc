package core

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const passwordHashCost = 12

// dummyPasswordHash is compared against when login hits an unknown email,
// so the unknown-account and wrong-password paths cost the same.
// bcrypt hash of an unguessable throwaway value.
var dummyPasswordHash = func() string {
	h, err := bcrypt.GenerateFromPassword([]byte("accountd-dummy-credential"), passwordHashCost)
	if err != nil {
		panic(err)
	}
	return string(h)
}()

// PasswordHasher hashes and verifies principal passwords with bcrypt.
type PasswordHasher struct{}

func NewPasswordHasher() *PasswordHasher {
	return &PasswordHasher{}
}

func (h *PasswordHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), passwordHashCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

func (h *PasswordHasher) Verify(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// VerifyDummy burns a bcrypt comparison without authenticating anyone.
func (h *PasswordHasher) VerifyDummy(password string) {
	_ = bcrypt.CompareHashAndPassword([]byte(dummyPasswordHash), []byte(password))
}
