package quotabot

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const minAdminPasswordLength = 8

var ErrInvalidCredentials = errors.New("invalid credentials")

// AdminCredential is a login for the admin API. Passwords are stored as
// argon2id hashes.
type AdminCredential struct {
	ModelUintID
	ModelUnixTime

	Username     string `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash string `gorm:"not null" json:"-"`
}

// SetAdminCredential creates the admin login for username, or updates
// its password if it already exists.
func SetAdminCredential(ctx context.Context, db DBI, username, password string) error {
	if username == "" {
		return invalidArgument("username must not be empty")
	}
	if len(password) < minAdminPasswordLength {
		return invalidArgument("password must be at least %d characters", minAdminPasswordLength)
	}
	hash, err := hashPassword(password)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}
	cred := AdminCredential{Username: username, PasswordHash: hash}
	return db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: "username"}},
					DoUpdates: clause.AssignmentColumns([]string{"password_hash", "updated_at"}),
				},
			).Create(&cred).Error
		},
	)
}

// AdminCredentialsSet reports whether any admin login exists.
func AdminCredentialsSet(ctx context.Context, db DBI) (bool, error) {
	var count int64
	err := db.DB().WithContext(ctx).Model(&AdminCredential{}).Count(&count).Error
	return count > 0, err
}

// authenticateAdmin returns ErrInvalidCredentials if username doesn't
// exist or password doesn't match.
func authenticateAdmin(ctx context.Context, db DBI, username, password string) error {
	var cred AdminCredential
	err := db.DB().WithContext(ctx).Where("username = ?", username).First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return err
	}
	valid, err := verifyPassword(cred.PasswordHash, password)
	if err != nil {
		return err
	}
	if !valid {
		return ErrInvalidCredentials
	}
	return nil
}
