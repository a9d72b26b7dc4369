// Package credential hashes and verifies operator/admin login passwords.
//
// Grounded on FAISAL63655-loft-backend/pkg/authn/password.go: the same
// Argon2id parameter set and encoded-hash format ($argon2id$v=...$m=...,t=...,p=...$salt$hash),
// trimmed of that file's bcrypt-fallback verification path since this is a
// greenfield system with no legacy hashes to migrate from.
package credential

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argon2Memory      = 64 * 1024
	argon2Time        = 3
	argon2Parallelism = 2
	saltLength        = 32
	keyLength         = 32
)

// ErrMismatch is returned by Verify when the password does not match the
// stored hash, or the hash is malformed.
var ErrMismatch = errors.New("credential: password does not match")

// Hash generates an Argon2id hash of password, encoded as
// "$argon2id$v=19$m=65536,t=3,p=2$<salt>$<hash>".
func Hash(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("credential: generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Parallelism, keyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argon2Memory, argon2Time, argon2Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// Verify reports whether password matches the encoded Argon2id hash,
// using a constant-time comparison to avoid leaking timing information.
func Verify(password, encodedHash string) error {
	salt, wantHash, memory, timeCost, parallelism, err := parseHash(encodedHash)
	if err != nil {
		return err
	}
	gotHash := argon2.IDKey([]byte(password), salt, timeCost, memory, parallelism, uint32(len(wantHash)))
	if subtle.ConstantTimeCompare(gotHash, wantHash) != 1 {
		return ErrMismatch
	}
	return nil
}

func parseHash(encoded string) (salt, hash []byte, memory, timeCost uint32, parallelism uint8, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, nil, 0, 0, 0, ErrMismatch
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, nil, 0, 0, 0, ErrMismatch
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &timeCost, &parallelism); err != nil {
		return nil, nil, 0, 0, 0, ErrMismatch
	}
	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, 0, 0, 0, ErrMismatch
	}
	hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, 0, 0, 0, ErrMismatch
	}
	return salt, hash, memory, timeCost, parallelism, nil
}
