package catalog

import (
	"database/sql"
	"errors"
	"time"

	"github.com/RoseOO/nearline/internal/models"
)

const slotColumns = "id, request_id, pid, hostname, request_dir, assigned_at"

func scanSlot(row interface {
	Scan(dest ...interface{}) error
}) (*models.Slot, error) {
	var sl models.Slot
	err := row.Scan(&sl.ID, &sl.RequestID, &sl.PID, &sl.Hostname, &sl.RequestDir, &sl.AssignedAt)
	if err != nil {
		return nil, err
	}
	return &sl, nil
}

func (s *Store) querySlots(query string, args ...interface{}) ([]models.Slot, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []models.Slot
	for rows.Next() {
		sl, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, *sl)
	}
	return slots, rows.Err()
}

// ListSlots returns all slots in id order.
func (s *Store) ListSlots() ([]models.Slot, error) {
	return s.querySlots("SELECT " + slotColumns + " FROM slots ORDER BY id")
}

// FreeSlots returns slots with no request assigned.
func (s *Store) FreeSlots() ([]models.Slot, error) {
	return s.querySlots("SELECT " + slotColumns + " FROM slots WHERE request_id IS NULL ORDER BY id")
}

// LoadedSlots returns slots with a request assigned.
func (s *Store) LoadedSlots() ([]models.Slot, error) {
	return s.querySlots("SELECT " + slotColumns + " FROM slots WHERE request_id IS NOT NULL ORDER BY id")
}

// SlotByID returns one slot.
func (s *Store) SlotByID(id int64) (*models.Slot, error) {
	sl, err := scanSlot(s.db.QueryRow("SELECT "+slotColumns+" FROM slots WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sl, err
}

// SlotForRequest returns the slot holding a request, or ErrNotFound.
func (s *Store) SlotForRequest(requestID int64) (*models.Slot, error) {
	sl, err := scanSlot(s.db.QueryRow(
		"SELECT "+slotColumns+" FROM slots WHERE request_id = ?", requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sl, err
}

// EnsureSlots reconciles the slot table to n rows. Extra slots are only
// removed while empty so running retrievals are never orphaned.
func (s *Store) EnsureSlots(n int) error {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM slots").Scan(&count); err != nil {
		return err
	}
	for ; count < n; count++ {
		if _, err := s.db.Exec("INSERT INTO slots DEFAULT VALUES"); err != nil {
			return err
		}
	}
	if count > n {
		_, err := s.db.Exec(`
			DELETE FROM slots WHERE id IN (
				SELECT id FROM slots WHERE request_id IS NULL ORDER BY id DESC LIMIT ?
			)
		`, count-n)
		if err != nil {
			return err
		}
	}
	return nil
}

// AssignSlot puts a request into a free slot. Returns false if the slot
// was taken in the meantime.
func (s *Store) AssignSlot(slotID, requestID int64, now time.Time) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE slots SET request_id = ?, assigned_at = ? WHERE id = ? AND request_id IS NULL",
		requestID, now.UTC(), slotID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetSlotProcess records the retrieval process driving a slot.
func (s *Store) SetSlotProcess(slotID int64, pid int64, hostname, requestDir string) error {
	_, err := s.db.Exec(
		"UPDATE slots SET pid = ?, hostname = ?, request_dir = ? WHERE id = ?",
		pid, hostname, requestDir, slotID)
	return err
}

// ResetSlotProcess clears the process columns but keeps the request, so
// the scheduler starts another retrieval pass for it.
func (s *Store) ResetSlotProcess(slotID int64) error {
	_, err := s.db.Exec(
		"UPDATE slots SET pid = NULL, hostname = NULL, request_dir = NULL WHERE id = ?", slotID)
	return err
}

// ClearSlot frees a slot entirely.
func (s *Store) ClearSlot(slotID int64) error {
	_, err := s.db.Exec(`
		UPDATE slots SET request_id = NULL, pid = NULL, hostname = NULL,
			request_dir = NULL, assigned_at = NULL
		WHERE id = ?
	`, slotID)
	return err
}

// SlotCountForQuota counts slots currently held by a quota's requests.
// Enforces the per-user slot cap.
func (s *Store) SlotCountForQuota(quotaID int64) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM slots sl
		JOIN tape_requests r ON r.id = sl.request_id
		WHERE r.quota_id = ?
	`, quotaID).Scan(&n)
	return n, err
}

// SlottedRequestIDs returns the ids of requests currently holding slots.
func (s *Store) SlottedRequestIDs() (map[int64]bool, error) {
	rows, err := s.db.Query("SELECT request_id FROM slots WHERE request_id IS NOT NULL")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := map[int64]bool{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}
