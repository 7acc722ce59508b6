package config

import "testing"

func TestPasswordHashAndVerify(t *testing.T) {
	cfg := &PasswordConfig{BcryptCost: 10}

	hash, err := cfg.HashPassword("operator-pass")
	if err != nil {
		t.Fatalf("HashPassword() error: %v", err)
	}
	cfg.OperatorHash = hash

	if !cfg.VerifyOperator("operator-pass") {
		t.Error("VerifyOperator() rejected the correct password")
	}
	if cfg.VerifyOperator("wrong") {
		t.Error("VerifyOperator() accepted a wrong password")
	}
}

func TestPasswordPepper(t *testing.T) {
	cfg := &PasswordConfig{BcryptCost: 10, Pepper: "pepper"}
	hash, err := cfg.HashPassword("pw")
	if err != nil {
		t.Fatalf("HashPassword() error: %v", err)
	}

	cfg.OperatorHash = hash
	if !cfg.VerifyOperator("pw") {
		t.Error("VerifyOperator() rejected with matching pepper")
	}

	unpeppered := &PasswordConfig{BcryptCost: 10, OperatorHash: hash}
	if unpeppered.VerifyOperator("pw") {
		t.Error("VerifyOperator() accepted without the pepper")
	}
}

func TestNewPasswordConfigValidation(t *testing.T) {
	t.Setenv("OPERATOR_PASSWORD_HASH", "some-hash")

	t.Setenv("BCRYPT_COST", "9")
	if _, err := NewPasswordConfig(); err == nil {
		t.Error("NewPasswordConfig() should reject cost below 10")
	}

	t.Setenv("BCRYPT_COST", "")
	cfg, err := NewPasswordConfig()
	if err != nil {
		t.Fatalf("NewPasswordConfig() error: %v", err)
	}
	if cfg.BcryptCost != 12 {
		t.Errorf("BcryptCost = %d, want 12", cfg.BcryptCost)
	}
}

func TestNewPasswordConfigRequiresHash(t *testing.T) {
	t.Setenv("OPERATOR_PASSWORD_HASH", "")
	if _, err := NewPasswordConfig(); err == nil {
		t.Error("NewPasswordConfig() should require OPERATOR_PASSWORD_HASH")
	}
}
