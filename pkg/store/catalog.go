package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"radialq/internal/models"
	"radialq/pkg/array"
)

// schema.sql creates the masks table holding one provenance row per stored mask.
//
//go:embed schema.sql
var schemaSQL string

// Catalog records which runs and thresholds produced each stored mask.
type Catalog struct {
	db *sql.DB
}

// OpenCatalog opens or creates the SQLite catalog at path.
// Use ":memory:" for a throwaway catalog.
func OpenCatalog(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	// A single connection keeps ":memory:" databases alive across calls
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Record inserts or replaces the provenance of a mask.
func (c *Catalog) Record(rec models.MaskRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	query := `
		INSERT OR REPLACE INTO masks
			(name, kind, runs, shape, valid_pixels, total_pixels, lower_bound, upper_bound, tolerance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := c.db.Exec(query,
		rec.Name, string(rec.Kind), models.RunsKey(rec.Runs), array.FormatShape(rec.Shape),
		rec.ValidPixels, rec.TotalPixels, rec.Lower, rec.Upper, rec.Tolerance,
		rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record mask %q: %w", rec.Name, err)
	}
	return nil
}

const selectColumns = `name, kind, runs, shape, valid_pixels, total_pixels, lower_bound, upper_bound, tolerance, created_at`

// Get returns the record of the named mask.
func (c *Catalog) Get(name string) (models.MaskRecord, error) {
	row := c.db.QueryRow(`SELECT `+selectColumns+` FROM masks WHERE name = ?`, name)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MaskRecord{}, fmt.Errorf("%w: mask %q", ErrNotFound, name)
	}
	return rec, err
}

// Lookup returns the most recent combined mask built from exactly the given runs.
func (c *Catalog) Lookup(runs ...int) (models.MaskRecord, error) {
	row := c.db.QueryRow(`SELECT `+selectColumns+` FROM masks
		WHERE kind = ? AND runs = ? ORDER BY created_at DESC LIMIT 1`,
		string(models.KindCombined), models.RunsKey(runs))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MaskRecord{}, fmt.Errorf("%w: combined mask for runs %v", ErrNotFound, runs)
	}
	return rec, err
}

// List returns all records ordered by name.
func (c *Catalog) List() ([]models.MaskRecord, error) {
	rows, err := c.db.Query(`SELECT ` + selectColumns + ` FROM masks ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list masks: %w", err)
	}
	defer rows.Close()

	var recs []models.MaskRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (models.MaskRecord, error) {
	var (
		rec             models.MaskRecord
		kind, runs, shp string
		createdAtNanos  int64
	)
	err := s.Scan(&rec.Name, &kind, &runs, &shp, &rec.ValidPixels, &rec.TotalPixels,
		&rec.Lower, &rec.Upper, &rec.Tolerance, &createdAtNanos)
	if err != nil {
		return models.MaskRecord{}, err
	}
	rec.Kind = models.MaskKind(kind)
	if rec.Runs, err = models.ParseRunsKey(runs); err != nil {
		return models.MaskRecord{}, err
	}
	if shp != "" {
		if rec.Shape, err = array.ParseShape(shp); err != nil {
			return models.MaskRecord{}, err
		}
	}
	rec.CreatedAt = time.Unix(0, createdAtNanos)
	return rec, nil
}
