package metadata

import (
	"database/sql"

	"codeberg.org/mutker/printerctl/internal/errors"
	"codeberg.org/mutker/printerctl/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS gcode_metadata (
	       file_id           TEXT PRIMARY KEY,
	       estimated_seconds INTEGER CHECK (estimated_seconds IS NULL OR estimated_seconds >= 0),
	       filament_mm       REAL,
	       filament_grams    REAL,
	       layer_count       INTEGER,
	       layer_height      REAL,
	       nozzle_temp       REAL,
	       bed_temp          REAL,
	       slicer            TEXT NOT NULL DEFAULT '',
	       updated_at        INTEGER NOT NULL
	   );`

	upsertMetadataSQL = `
    INSERT INTO gcode_metadata (
        file_id, estimated_seconds,
        filament_mm, filament_grams,
        layer_count, layer_height,
        nozzle_temp, bed_temp,
        slicer, updated_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(file_id) DO UPDATE SET
        estimated_seconds = excluded.estimated_seconds,
        filament_mm       = excluded.filament_mm,
        filament_grams    = excluded.filament_grams,
        layer_count       = excluded.layer_count,
        layer_height      = excluded.layer_height,
        nozzle_temp       = excluded.nozzle_temp,
        bed_temp          = excluded.bed_temp,
        slicer            = excluded.slicer,
        updated_at        = excluded.updated_at`

	selectMetadataSQL = `
    SELECT estimated_seconds, filament_mm, filament_grams,
           layer_count, layer_height, nozzle_temp, bed_temp, slicer
    FROM gcode_metadata
    WHERE file_id = ?`

	deleteMetadataSQL = `DELETE FROM gcode_metadata WHERE file_id = ?`
)

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			SQL   string
		}{
			Error: err.Error(),
			SQL:   createTablesSQL,
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized")

	return nil
}

// GetSchemaVersion returns the current schema version, 0 for a new database
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}
