package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenTestStand/internal/config"
)

type Permission string

const (
	PermView    Permission = "view"
	PermCommand Permission = "command"
	PermAdmin   Permission = "admin"
)

const (
	RoleObserver = "observer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Principal is the authenticated caller.
type Principal struct {
	Name        string       `json:"name"`
	Role        string       `json:"role"`
	Machine     bool         `json:"machine,omitempty"`
	Permissions []Permission `json:"permissions"`
}

func (p Principal) Has(required Permission) bool {
	for _, perm := range p.Permissions {
		if perm == required {
			return true
		}
	}
	return false
}

type operator struct {
	passwordHash string
	role         string
}

type machineToken struct {
	name string
	hash string
	role string
}

// AuthService authenticates operators declared in the configuration. When
// disabled every request acts as an anonymous admin.
type AuthService struct {
	enabled        bool
	operators      map[string]operator
	machineTokens  []machineToken
	jwtHandler     *JWTHandler
	passwordHasher *PasswordHasher
	logger         *zap.Logger
}

func NewAuthService(cfg config.AuthConfig, logger *zap.Logger) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	a := &AuthService{
		enabled:        cfg.Enabled,
		operators:      make(map[string]operator, len(cfg.Operators)),
		jwtHandler:     NewJWTHandler(cfg.GetJWTSecret(), ttl),
		passwordHasher: NewPasswordHasher(cfg.Argon2),
		logger:         logger,
	}
	for _, op := range cfg.Operators {
		a.operators[op.Username] = operator{passwordHash: op.PasswordHash, role: op.Role}
		if cfg.Enabled && a.passwordHasher.NeedsRehash(op.PasswordHash) {
			logger.Warn("Operator password hash is weaker than auth.argon2 or unreadable, regenerate it with -hash-password",
				zap.String("username", op.Username))
		}
	}
	for _, mt := range cfg.MachineTokens {
		a.machineTokens = append(a.machineTokens, machineToken{name: mt.Name, hash: mt.TokenHash, role: mt.Role})
	}

	if cfg.Enabled && !cfg.IsProductionReady() {
		logger.Warn("Using development JWT secret, set a secret of at least 32 characters",
			zap.String("env", cfg.JWTSecretEnv))
	}
	return a
}

// Enabled is false for a nil service.
func (a *AuthService) Enabled() bool {
	return a != nil && a.enabled
}

// Login verifies an operator password and issues an access token.
func (a *AuthService) Login(username, password string) (string, time.Time, Principal, error) {
	op, ok := a.operators[username]
	if !ok {
		a.logger.Warn("Login failed", zap.String("username", username), zap.String("reason", "unknown user"))
		return "", time.Time{}, Principal{}, ErrInvalidCredentials
	}

	valid, err := a.passwordHasher.VerifyPassword(password, op.passwordHash)
	if err != nil || !valid {
		a.logger.Warn("Login failed", zap.String("username", username), zap.String("reason", "invalid password"))
		return "", time.Time{}, Principal{}, ErrInvalidCredentials
	}

	token, expiresAt, err := a.jwtHandler.GenerateAccessToken(username, op.role)
	if err != nil {
		return "", time.Time{}, Principal{}, fmt.Errorf("failed to generate access token: %w", err)
	}

	a.logger.Info("Operator logged in", zap.String("username", username), zap.String("role", op.role))
	return token, expiresAt, a.principal(username, op.role, false), nil
}

// ValidateToken accepts an operator JWT or a configured machine token.
func (a *AuthService) ValidateToken(token string) (Principal, error) {
	if !a.Enabled() {
		return a.principal("anonymous", RoleAdmin, false), nil
	}

	if claims, err := a.jwtHandler.ValidateAccessToken(token); err == nil {
		return a.principal(claims.Username, claims.Role, false), nil
	}

	return a.ValidateMachineToken(token)
}

// ValidateMachineToken checks token against the configured hashes.
func (a *AuthService) ValidateMachineToken(token string) (Principal, error) {
	id, err := ParseMachineTokenID(token)
	if err != nil {
		return Principal{}, err
	}

	hash := HashMachineToken(token)
	for _, mt := range a.machineTokens {
		if subtle.ConstantTimeCompare([]byte(hash), []byte(mt.hash)) == 1 {
			return a.principal(mt.name, mt.role, true), nil
		}
	}
	a.logger.Warn("Unknown machine token", zap.Stringer("token_id", id))
	return Principal{}, fmt.Errorf("invalid token")
}

// HashPassword produces an entry for auth.operators[].password_hash.
func (a *AuthService) HashPassword(password string) (string, error) {
	return a.passwordHasher.HashPassword(password)
}

func (a *AuthService) principal(name, role string, machine bool) Principal {
	return Principal{
		Name:        name,
		Role:        role,
		Machine:     machine,
		Permissions: roleToPermissions(role),
	}
}

func roleToPermissions(role string) []Permission {
	switch role {
	case RoleAdmin:
		return []Permission{PermView, PermCommand, PermAdmin}
	case RoleOperator:
		return []Permission{PermView, PermCommand}
	default:
		return []Permission{PermView}
	}
}
