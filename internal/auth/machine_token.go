package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// A machine token is ots_<uuid>_<64 hex>. The config only holds the SHA-256
// of the whole token; the uuid part identifies it in logs.
const (
	machineTokenPrefix = "ots_"
	machineSecretBytes = 32
)

var ErrMachineTokenFormat = errors.New("malformed machine token")

// MachineToken is a freshly issued token. Token is shown once, Hash goes into
// auth.machine_tokens[].token_hash.
type MachineToken struct {
	ID    uuid.UUID
	Token string
	Hash  string
}

func NewMachineToken() (MachineToken, error) {
	secret := make([]byte, machineSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return MachineToken{}, fmt.Errorf("failed to generate secret: %w", err)
	}

	id := uuid.New()
	token := machineTokenPrefix + id.String() + "_" + hex.EncodeToString(secret)
	return MachineToken{ID: id, Token: token, Hash: HashMachineToken(token)}, nil
}

func HashMachineToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ParseMachineTokenID checks the layout of token and returns its id.
func ParseMachineTokenID(token string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(token, machineTokenPrefix)
	if !ok {
		return uuid.Nil, ErrMachineTokenFormat
	}
	idPart, secret, ok := strings.Cut(rest, "_")
	if !ok || len(idPart) != 36 || len(secret) != 2*machineSecretBytes {
		return uuid.Nil, ErrMachineTokenFormat
	}
	if _, err := hex.DecodeString(secret); err != nil {
		return uuid.Nil, ErrMachineTokenFormat
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return uuid.Nil, ErrMachineTokenFormat
	}
	return id, nil
}
