// Package config - password.go provides operator credential hashing
// and verification.
package config

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/crypto/bcrypt"
)

// PasswordConfig holds configuration for operator password hashing and
// verification. The orchestrator has a single operator credential: a
// bcrypt hash in OPERATOR_PASSWORD_HASH that gates token issuance.
type PasswordConfig struct {
	BcryptCost int
	Pepper     string // optional global secret for additional security

	// OperatorHash is the stored bcrypt hash of the operator password.
	OperatorHash string
}

// NewPasswordConfig creates a password configuration from environment
// variables: OPERATOR_PASSWORD_HASH (required), BCRYPT_COST (default:
// 12), and optionally PASSWORD_PEPPER.
func NewPasswordConfig() (*PasswordConfig, error) {
	hash := os.Getenv("OPERATOR_PASSWORD_HASH")
	if hash == "" {
		return nil, fmt.Errorf("OPERATOR_PASSWORD_HASH is required but not set")
	}

	costStr := os.Getenv("BCRYPT_COST")
	if costStr == "" {
		costStr = "12"
	}
	cost, err := strconv.Atoi(costStr)
	if err != nil {
		return nil, fmt.Errorf("invalid BCRYPT_COST: %v", err)
	}

	cfg := &PasswordConfig{
		BcryptCost:   cost,
		Pepper:       os.Getenv("PASSWORD_PEPPER"),
		OperatorHash: hash,
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *PasswordConfig) normalize() error {
	if c.BcryptCost < 10 || c.BcryptCost > 14 {
		return fmt.Errorf("bcrypt cost out of range: %d (must be 10-14)", c.BcryptCost)
	}
	return nil
}

// HashPassword hashes a password using bcrypt (with optional pepper).
// Used by the hash-password CLI command to mint OPERATOR_PASSWORD_HASH.
func (c *PasswordConfig) HashPassword(pw string) (string, error) {
	password := pw
	if c.Pepper != "" {
		password = pw + c.Pepper
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), c.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyOperator verifies a password against the stored operator hash.
func (c *PasswordConfig) VerifyOperator(pw string) bool {
	password := pw
	if c.Pepper != "" {
		password = pw + c.Pepper
	}
	return bcrypt.CompareHashAndPassword([]byte(c.OperatorHash), []byte(password)) == nil
}
