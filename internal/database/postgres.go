package database

import (
	"context"
	"fmt"

	"consult-chat/internal/models"
	"consult-chat/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

func (db *PostgresDB) ListDoctors(ctx context.Context) ([]*models.Profile, error) {
	query := `
		SELECT id, name, first_name, last_name, field, image_url
		FROM doctors
		ORDER BY created_at, id`

	return db.listProfiles(ctx, query)
}

func (db *PostgresDB) ListUsers(ctx context.Context) ([]*models.Profile, error) {
	query := `
		SELECT id, name, first_name, last_name, '' AS field, image_url
		FROM users
		WHERE account_type = 'HEALTHSEAKER'
		ORDER BY created_at, id`

	return db.listProfiles(ctx, query)
}

func (db *PostgresDB) listProfiles(ctx context.Context, query string) ([]*models.Profile, error) {
	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}

	profiles, err := pgx.CollectRows(rows, scanProfile)
	if err != nil {
		return nil, fmt.Errorf("scan profiles: %w", err)
	}
	return profiles, nil
}

func scanProfile(row pgx.CollectableRow) (*models.Profile, error) {
	var p models.Profile
	var name, first, last, field, imageURL *string
	if err := row.Scan(&p.ID, &name, &first, &last, &field, &imageURL); err != nil {
		return nil, err
	}
	p.Name = deref(name)
	p.FirstName = deref(first)
	p.LastName = deref(last)
	p.Field = deref(field)
	p.ImageURL = deref(imageURL)
	return &p, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
