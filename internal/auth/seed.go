package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
)

// seedPasswordBytes is the number of random bytes for a generated admin password.
const seedPasswordBytes = 16

// SeedAdmin creates the initial administrator account on first boot if no
// users exist. When password is empty a random one is generated and logged —
// it must be changed immediately. Returns the password that was set (empty
// string if seeding was skipped).
func SeedAdmin(ctx context.Context, userRepo UserRepository, login, password string, logger *slog.Logger) (string, error) {
	count, err := userRepo.Count(ctx)
	if err != nil {
		return "", fmt.Errorf("checking user count: %w", err)
	}

	if count > 0 {
		logger.Info("users exist, skipping admin seed")
		return "", nil
	}

	if login == "" {
		login = "admin"
	}

	generated := false
	if password == "" {
		passwordBytes := make([]byte, seedPasswordBytes)
		if _, randErr := rand.Read(passwordBytes); randErr != nil {
			return "", fmt.Errorf("generating seed password: %w", randErr)
		}
		password = hex.EncodeToString(passwordBytes)
		generated = true
	}

	hash, err := HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("hashing seed password: %w", err)
	}

	admin := &User{
		Login:        login,
		PasswordHash: hash,
		Role:         RoleAdmin,
		Status:       StatusActive,
	}

	if err := userRepo.Create(ctx, admin); err != nil {
		return "", fmt.Errorf("creating seed admin: %w", err)
	}

	if generated {
		logger.Warn("seed admin account created",
			"login", login,
			"password", password,
			"action_required", "change this password immediately",
		)
	} else {
		logger.Info("seed admin account created", "login", login)
	}

	return password, nil
}
