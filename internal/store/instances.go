package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/r44vc0rp/serverbox/internal/models"
)

const timeLayout = time.RFC3339Nano

// ErrNotFound is returned by Get when no row matches id.
var ErrNotFound = errors.New("instance not found in store")

// Get returns the instance record for id, or ErrNotFound.
func (s *Store) Get(id string) (models.Instance, error) {
	row := s.db.QueryRow(`SELECT id, sandbox_id, state, url, preview_token, username, password, providers, labels, created_at, updated_at FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Instance{}, ErrNotFound
	}
	if err != nil {
		return models.Instance{}, fmt.Errorf("get instance %s: %w", id, err)
	}
	return inst, nil
}

// Set upserts inst. Callers (the lifecycle manager) are responsible for
// bumping UpdatedAt before calling Set.
func (s *Store) Set(inst models.Instance) error {
	providersJSON, err := json.Marshal(nonNilStrings(inst.Providers))
	if err != nil {
		return fmt.Errorf("marshal providers: %w", err)
	}
	labelsJSON, err := json.Marshal(nonNilLabels(inst.Labels))
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO instances (id, sandbox_id, state, url, preview_token, username, password, providers, labels, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sandbox_id = excluded.sandbox_id,
			state = excluded.state,
			url = excluded.url,
			preview_token = excluded.preview_token,
			username = excluded.username,
			password = excluded.password,
			providers = excluded.providers,
			labels = excluded.labels,
			updated_at = excluded.updated_at
	`,
		inst.ID, inst.SandboxID, string(inst.State), inst.URL, inst.PreviewToken,
		inst.Username, inst.Password, string(providersJSON), string(labelsJSON),
		inst.CreatedAt.UTC().Format(timeLayout), inst.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("set instance %s: %w", inst.ID, err)
	}
	return nil
}

// CompareAndSetState performs a CAS transition: update state/url/preview
// token/updated_at only if the row's current state still equals from, via
// `UPDATE ... WHERE id=? AND state=?` plus a RowsAffected check.
func (s *Store) CompareAndSetState(id string, from, to models.State, url, previewToken string, updatedAt time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE instances SET state = ?, url = ?, preview_token = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`, string(to), url, previewToken, updatedAt.UTC().Format(timeLayout), id, string(from))
	if err != nil {
		return false, fmt.Errorf("cas instance %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas instance %s rows affected: %w", id, err)
	}
	return n > 0, nil
}

// Delete removes the row for id. Deleting an unknown id is a no-op.
func (s *Store) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM instances WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	return nil
}

// List returns every instance ordered by created_at descending.
func (s *Store) List() ([]models.Instance, error) {
	rows, err := s.db.Query(`SELECT id, sandbox_id, state, url, preview_token, username, password, providers, labels, created_at, updated_at FROM instances ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance row: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return out, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (models.Instance, error) {
	var (
		inst                     models.Instance
		state                    string
		providersJSON, labelsJSON string
		createdAt, updatedAt     string
	)
	if err := row.Scan(
		&inst.ID, &inst.SandboxID, &state, &inst.URL, &inst.PreviewToken,
		&inst.Username, &inst.Password, &providersJSON, &labelsJSON,
		&createdAt, &updatedAt,
	); err != nil {
		return models.Instance{}, err
	}

	// Unknown persisted state values degrade to error on read rather than
	// failing the query.
	s := models.State(state)
	if !s.Valid() {
		s = models.StateError
	}
	inst.State = s

	if err := json.Unmarshal([]byte(providersJSON), &inst.Providers); err != nil {
		return models.Instance{}, fmt.Errorf("unmarshal providers: %w", err)
	}
	if err := json.Unmarshal([]byte(labelsJSON), &inst.Labels); err != nil {
		return models.Instance{}, fmt.Errorf("unmarshal labels: %w", err)
	}

	createdParsed, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return models.Instance{}, fmt.Errorf("parse created_at: %w", err)
	}
	updatedParsed, err := time.Parse(timeLayout, updatedAt)
	if err != nil {
		return models.Instance{}, fmt.Errorf("parse updated_at: %w", err)
	}
	inst.CreatedAt = createdParsed
	inst.UpdatedAt = updatedParsed

	return inst, nil
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilLabels(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}
