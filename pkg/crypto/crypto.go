// Package crypto provides session token generation and password hashing.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

var ErrMalformedHash = errors.New("crypto: malformed password hash")

// Argon2id parameters. Tuned for interactive logins.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// GenerateToken generates an opaque session token: 32 random bytes,
// hex-encoded (256 bits of entropy).
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("crypto: generate token: %w", err)
	}
	return fmt.Sprintf("%x", b), nil
}

// HashPassword hashes a password with Argon2id and a fresh random salt,
// returning a self-describing encoded string:
//
//	$argon2id$v=19$m=65536,t=1,p=4$<salt-b64>$<hash-b64>
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("crypto: generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// VerifyPassword checks a password against an encoded hash. The digest
// comparison is constant-time.
func VerifyPassword(password, encoded string) (bool, error) {
	salt, key, memory, time, threads, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	candidate := argon2.IDKey([]byte(password), salt, time, memory, threads, uint32(len(key))) //nolint:gosec // key length bounded by decodeHash
	return subtle.ConstantTimeCompare(candidate, key) == 1, nil
}

func decodeHash(encoded string) (salt, key []byte, memory uint32, time uint32, threads uint8, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, nil, 0, 0, 0, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, nil, 0, 0, 0, ErrMalformedHash
	}

	params := strings.Split(parts[3], ",")
	if len(params) != 3 {
		return nil, nil, 0, 0, 0, ErrMalformedHash
	}
	m, errM := paramValue(params[0], "m")
	t, errT := paramValue(params[1], "t")
	p, errP := paramValue(params[2], "p")
	if errM != nil || errT != nil || errP != nil || m == 0 || t == 0 || p == 0 || p > 255 {
		return nil, nil, 0, 0, 0, ErrMalformedHash
	}

	salt, errS := base64.RawStdEncoding.DecodeString(parts[4])
	key, errK := base64.RawStdEncoding.DecodeString(parts[5])
	if errS != nil || errK != nil || len(salt) == 0 || len(key) == 0 || len(key) > 512 {
		return nil, nil, 0, 0, 0, ErrMalformedHash
	}

	return salt, key, uint32(m), uint32(t), uint8(p), nil
}

func paramValue(s, name string) (uint64, error) {
	prefix := name + "="
	if !strings.HasPrefix(s, prefix) {
		return 0, ErrMalformedHash
	}
	return strconv.ParseUint(strings.TrimPrefix(s, prefix), 10, 32)
}
