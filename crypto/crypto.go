package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	saltBytes         = 16
	tempPasswordBytes = 8
	hashSeparator     = "$"

	MinPasswordLength = 6
	MaxPasswordLength = 50
)

var (
	ErrPasswordTooShort = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrPasswordTooLong  = fmt.Errorf("password too long (max %d characters)", MaxPasswordLength)
)

// Strength is the advisory verdict of ValidatePassword. It never blocks.
type Strength int

const (
	StrengthWeak Strength = iota
	StrengthStrong
)

func (s Strength) String() string {
	if s == StrengthStrong {
		return "Password is strong"
	}
	return "Password accepted (consider adding letters and numbers for strength)"
}

// DummyHash is verified against when a username does not exist, so that a
// miss takes as long as a wrong password.
var DummyHash = mustHash("stockroom-dummy-password")

func mustHash(password string) string {
	h, err := HashPassword(password)
	if err != nil {
		panic(fmt.Sprintf("critical security error: failed to generate salt: %v", err))
	}
	return h
}

// HashPassword returns "salt$digest" where salt is 16 random bytes in hex and
// digest is hex(SHA-256(password + salt)).
func HashPassword(password string) (string, error) {
	salt, err := randomHex(saltBytes)
	if err != nil {
		return "", err
	}
	return salt + hashSeparator + digest(password, salt), nil
}

// VerifyPassword reports whether candidate matches the stored hash. Empty or
// malformed stored values never match.
func VerifyPassword(stored, candidate string) bool {
	salt, want, ok := strings.Cut(stored, hashSeparator)
	if !ok || salt == "" || want == "" {
		return false
	}
	got := digest(candidate, salt)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// WellFormed reports whether stored has the salt$digest shape.
func WellFormed(stored string) bool {
	salt, d, ok := strings.Cut(stored, hashSeparator)
	if !ok || salt == "" || len(d) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(d)
	return err == nil
}

// ValidatePassword enforces the 6..50 character boundary. Missing letters or
// digits only lower the returned strength.
func ValidatePassword(password string) (Strength, error) {
	n := utf8.RuneCountInString(password)
	if n < MinPasswordLength {
		return StrengthWeak, ErrPasswordTooShort
	}
	if n > MaxPasswordLength {
		return StrengthWeak, ErrPasswordTooLong
	}

	var hasLetter, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if hasLetter && hasDigit {
		return StrengthStrong, nil
	}
	return StrengthWeak, nil
}

// GenerateTempPassword returns a URL-safe one-time password built from 8
// random bytes.
func GenerateTempPassword() (string, error) {
	b := make([]byte, tempPasswordBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating temporary password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func digest(password, salt string) string {
	sum := sha256.Sum256([]byte(password + salt))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
