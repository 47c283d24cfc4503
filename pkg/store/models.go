package store

import "time"

// CredentialModel is the GORM model for an auth credential.
type CredentialModel struct {
	ID           string    `gorm:"primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

func credentialToModel(c CredentialRecord) CredentialModel {
	return CredentialModel{
		ID:           c.UID,
		Email:        c.Email,
		PasswordHash: c.PasswordHash,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.CreatedAt,
	}
}

func credentialFromModel(m CredentialModel) CredentialRecord {
	return CredentialRecord{
		UID:          m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
	}
}
