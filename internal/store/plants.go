package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lox/solarsync/internal/models"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// AddPlant inserts or renames a registry plant. An id of zero allocates the
// next free id. The stored plant is returned.
func (s *Store) AddPlant(ctx context.Context, id int64, name string) (models.RegistryPlant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.RegistryPlant{}, errors.New("plant name is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.RegistryPlant{}, err
	}
	defer tx.Rollback()

	if id == 0 {
		var maxID sql.NullInt64
		if err := s.queryRow(ctx, tx, "SELECT MAX(id) FROM plants").Scan(&maxID); err != nil {
			return models.RegistryPlant{}, fmt.Errorf("next plant id: %w", err)
		}
		id = maxID.Int64 + 1
	}

	if _, err := s.exec(ctx, tx, `
		INSERT INTO plants (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name
	`, id, name, s.timestamp()); err != nil {
		return models.RegistryPlant{}, fmt.Errorf("upsert plant %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return models.RegistryPlant{}, err
	}
	return models.RegistryPlant{ID: id, Name: name}, nil
}

// ListPlants returns the registry in id order.
func (s *Store) ListPlants(ctx context.Context) ([]models.RegistryPlant, error) {
	rows, err := s.query(ctx, s.db, "SELECT id, name FROM plants ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plants []models.RegistryPlant
	for rows.Next() {
		var p models.RegistryPlant
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, err
		}
		plants = append(plants, p)
	}
	return plants, rows.Err()
}

func (s *Store) GetPlant(ctx context.Context, id int64) (models.RegistryPlant, error) {
	var p models.RegistryPlant
	err := s.queryRow(ctx, s.db, "SELECT id, name FROM plants WHERE id = ?", id).Scan(&p.ID, &p.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}
