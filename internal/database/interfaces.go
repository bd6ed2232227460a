package database

import (
	"context"

	"consult-chat/internal/models"
)

// ProfileRepository lists selectable counterparts for the directory.
type ProfileRepository interface {
	ListDoctors(ctx context.Context) ([]*models.Profile, error)
	ListUsers(ctx context.Context) ([]*models.Profile, error)
}

type Database interface {
	ProfileRepository
	Close() error
}
