package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/KevinKickass/OpenTestStand/internal/config"
)

// Operator hashes use the PHC layout
// $argon2id$v=19$m=<KiB>,t=<passes>,p=<lanes>$<salt>$<key>
const (
	saltLength = 16
	keyLength  = 32
)

var ErrHashFormat = errors.New("unsupported password hash")

var b64 = base64.RawStdEncoding

type argon2Params struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
}

type decodedHash struct {
	params argon2Params
	salt   []byte
	key    []byte
}

// PasswordHasher produces auth.operators[].password_hash entries with the
// cost settings from auth.argon2.
type PasswordHasher struct {
	params argon2Params
}

func NewPasswordHasher(cfg config.Argon2Config) *PasswordHasher {
	p := argon2Params{
		memory:      cfg.MemoryKiB,
		iterations:  cfg.Iterations,
		parallelism: cfg.Parallelism,
	}
	if p.memory == 0 {
		p.memory = config.DefaultArgon2MemoryKiB
	}
	if p.iterations == 0 {
		p.iterations = config.DefaultArgon2Iterations
	}
	if p.parallelism == 0 {
		p.parallelism = config.DefaultArgon2Parallelism
	}
	return &PasswordHasher{params: p}
}

func (ph *PasswordHasher) HashPassword(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	key := deriveKey(password, salt, ph.params, keyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, ph.params.memory, ph.params.iterations, ph.params.parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// VerifyPassword checks password against encodedHash. Cost settings are read
// from the hash itself, so older hashes keep working after auth.argon2 changes.
func (ph *PasswordHasher) VerifyPassword(password, encodedHash string) (bool, error) {
	h, err := decodeHash(encodedHash)
	if err != nil {
		return false, err
	}
	key := deriveKey(password, h.salt, h.params, uint32(len(h.key)))
	return subtle.ConstantTimeCompare(h.key, key) == 1, nil
}

// NeedsRehash is true for hashes that are unreadable or cheaper than the
// configured settings.
func (ph *PasswordHasher) NeedsRehash(encodedHash string) bool {
	h, err := decodeHash(encodedHash)
	if err != nil {
		return true
	}
	return h.params.memory < ph.params.memory || h.params.iterations < ph.params.iterations
}

func deriveKey(password string, salt []byte, p argon2Params, length uint32) []byte {
	return argon2.IDKey([]byte(password), salt, p.iterations, p.memory, p.parallelism, length)
}

func decodeHash(encoded string) (decodedHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return decodedHash{}, ErrHashFormat
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return decodedHash{}, fmt.Errorf("%w: version %q", ErrHashFormat, parts[2])
	}

	var h decodedHash
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &h.params.memory, &h.params.iterations, &h.params.parallelism); err != nil {
		return decodedHash{}, fmt.Errorf("%w: %v", ErrHashFormat, err)
	}
	if h.params.memory == 0 || h.params.iterations == 0 || h.params.parallelism == 0 {
		return decodedHash{}, fmt.Errorf("%w: zero cost parameter", ErrHashFormat)
	}

	var err error
	if h.salt, err = b64.DecodeString(parts[4]); err != nil {
		return decodedHash{}, fmt.Errorf("%w: salt: %v", ErrHashFormat, err)
	}
	if h.key, err = b64.DecodeString(parts[5]); err != nil || len(h.key) == 0 {
		return decodedHash{}, fmt.Errorf("%w: key", ErrHashFormat)
	}
	return h, nil
}
