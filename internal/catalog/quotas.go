package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/RoseOO/nearline/internal/models"
)

const quotaColumns = "id, user, size, email, notes"

func scanQuota(row interface {
	Scan(dest ...interface{}) error
}) (*models.Quota, error) {
	var q models.Quota
	err := row.Scan(&q.ID, &q.User, &q.Size, &q.Email, &q.Notes)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// QuotaByUser returns the quota for a user.
func (s *Store) QuotaByUser(user string) (*models.Quota, error) {
	q, err := scanQuota(s.db.QueryRow(
		"SELECT "+quotaColumns+" FROM quotas WHERE user = ?", user))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return q, err
}

// QuotaByID returns a quota by id.
func (s *Store) QuotaByID(id int64) (*models.Quota, error) {
	q, err := scanQuota(s.db.QueryRow(
		"SELECT "+quotaColumns+" FROM quotas WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return q, err
}

// ListQuotas returns all quotas ordered by user.
func (s *Store) ListQuotas() ([]models.Quota, error) {
	rows, err := s.db.Query("SELECT " + quotaColumns + " FROM quotas ORDER BY user")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var quotas []models.Quota
	for rows.Next() {
		q, err := scanQuota(rows)
		if err != nil {
			return nil, err
		}
		quotas = append(quotas, *q)
	}
	return quotas, rows.Err()
}

// CreateQuota inserts a quota.
func (s *Store) CreateQuota(q *models.Quota) (int64, error) {
	res, err := s.db.Exec(
		"INSERT INTO quotas (user, size, email, notes) VALUES (?, ?, ?, ?)",
		q.User, q.Size, q.Email, q.Notes)
	if err != nil {
		return 0, fmt.Errorf("failed to create quota: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	q.ID = id
	return id, nil
}

// UpdateQuota rewrites size, email and notes.
func (s *Store) UpdateQuota(id int64, size int64, email, notes string) error {
	res, err := s.db.Exec(
		"UPDATE quotas SET size = ?, email = ?, notes = ? WHERE id = ?", size, email, notes, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// QuotaUsed returns the total size of distinct files held by the quota's
// unexpired requests at now.
func (s *Store) QuotaUsed(quotaID int64, now time.Time) (int64, error) {
	var used int64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(size), 0) FROM tape_files WHERE id IN (
			SELECT DISTINCT m.file_id
			FROM tape_request_members m
			JOIN tape_requests r ON r.id = m.request_id
			WHERE r.quota_id = ? AND r.retention >= ?
		)
	`, quotaID, now.UTC()).Scan(&used)
	return used, err
}
