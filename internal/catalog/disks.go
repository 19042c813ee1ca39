package catalog

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/RoseOO/nearline/internal/models"
)

const diskColumns = "id, mountpoint, capacity, used, allocated"

func scanDisk(row interface {
	Scan(dest ...interface{}) error
}) (*models.RestoreDisk, error) {
	var d models.RestoreDisk
	err := row.Scan(&d.ID, &d.Mountpoint, &d.Capacity, &d.Used, &d.Allocated)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDisks returns all restore disks in id order. The allocator walks
// this order so fill is deterministic.
func (s *Store) ListDisks() ([]models.RestoreDisk, error) {
	rows, err := s.db.Query("SELECT " + diskColumns + " FROM restore_disks ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var disks []models.RestoreDisk
	for rows.Next() {
		d, err := scanDisk(rows)
		if err != nil {
			return nil, err
		}
		disks = append(disks, *d)
	}
	return disks, rows.Err()
}

// DiskByID returns one restore disk.
func (s *Store) DiskByID(id int64) (*models.RestoreDisk, error) {
	d, err := scanDisk(s.db.QueryRow("SELECT "+diskColumns+" FROM restore_disks WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// CreateDisk registers a restore disk.
func (s *Store) CreateDisk(d *models.RestoreDisk) (int64, error) {
	res, err := s.db.Exec(
		"INSERT INTO restore_disks (mountpoint, capacity, used, allocated) VALUES (?, ?, ?, ?)",
		d.Mountpoint, d.Capacity, d.Used, d.Allocated)
	if err != nil {
		return 0, fmt.Errorf("failed to create restore disk: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	d.ID = id
	return id, nil
}

// ChooseDisk reserves size bytes on the first disk that can hold them and
// returns it. The reservation is made against `allocated` so concurrent
// batches cannot oversubscribe a disk before their copies land.
func (s *Store) ChooseDisk(size int64) (*models.RestoreDisk, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query("SELECT " + diskColumns + " FROM restore_disks ORDER BY id")
	if err != nil {
		return nil, err
	}
	var chosen *models.RestoreDisk
	for rows.Next() {
		d, err := scanDisk(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		if d.Allocated+size <= d.Capacity {
			chosen = d
			break
		}
	}
	rows.Close()
	if chosen == nil {
		return nil, ErrNoDiskSpace
	}

	if _, err := tx.Exec(
		"UPDATE restore_disks SET allocated = allocated + ? WHERE id = ?", size, chosen.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	chosen.Allocated += size
	return chosen, nil
}

// RecomputeDiskUsage rebuilds a disk's used and allocated counters from
// the catalog: used counts restored copies, allocated additionally
// counts copies still in flight.
func (s *Store) RecomputeDiskUsage(id int64) error {
	_, err := s.db.Exec(`
		UPDATE restore_disks SET
			used = (
				SELECT COALESCE(SUM(size), 0) FROM tape_files
				WHERE restore_disk_id = ? AND stage = ?
			),
			allocated = (
				SELECT COALESCE(SUM(size), 0) FROM tape_files
				WHERE restore_disk_id = ? AND stage IN (?, ?)
			)
		WHERE id = ?
	`, id, models.StageRestored,
		id, models.StageRestored, models.StageRestoring, id)
	return err
}
