package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// GormCredentialStore implements CredentialStore using GORM + Postgres.
type GormCredentialStore struct {
	db *gorm.DB
}

// NewGormCredentialStore runs auto-migrations on db. The handle should be
// opened with TranslateError so duplicate emails map to ErrEmailExists.
func NewGormCredentialStore(db *gorm.DB) (*GormCredentialStore, error) {
	if err := db.AutoMigrate(&CredentialModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormCredentialStore{db: db}, nil
}

// CreateCredential inserts a new credential.
func (s *GormCredentialStore) CreateCredential(c CredentialRecord) error {
	model := credentialToModel(c)
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrEmailExists
		}
		return err
	}
	return nil
}

// GetCredentialByEmail looks up a credential by email.
func (s *GormCredentialStore) GetCredentialByEmail(email string) (CredentialRecord, bool, error) {
	var model CredentialModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return CredentialRecord{}, false, nil
		}
		return CredentialRecord{}, false, err
	}
	return credentialFromModel(model), true, nil
}

// GetCredentialByID looks up a credential by uid.
func (s *GormCredentialStore) GetCredentialByID(uid string) (CredentialRecord, bool, error) {
	var model CredentialModel
	if err := s.db.First(&model, "id = ?", uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return CredentialRecord{}, false, nil
		}
		return CredentialRecord{}, false, err
	}
	return credentialFromModel(model), true, nil
}

// DeleteCredential removes a credential. Deleting a missing uid is not an error.
func (s *GormCredentialStore) DeleteCredential(uid string) error {
	return s.db.Delete(&CredentialModel{}, "id = ?", uid).Error
}
