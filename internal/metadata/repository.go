package metadata

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/printerctl/internal/errors"
	"codeberg.org/mutker/printerctl/internal/gcode"
	"codeberg.org/mutker/printerctl/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

// Repository persists metadata between restarts
type Repository interface {
	Load(fileID string) (gcode.Metadata, bool, error)
	Save(fileID string, md gcode.Metadata) error
	Delete(fileID string) error
	Close() error
}

type repository struct {
	db     *sql.DB
	logger logger.Logger
}

// NewRepository opens (creating if needed) the sqlite database at cfg.DBPath
func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal=WAL&_auto_vacuum=2")
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	if err := ValidateAndUpdateSchema(db, cfg.backupDir(), log); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Msg("Metadata repository initialized")

	return &repository{db: db, logger: log}, nil
}

func (r *repository) Load(fileID string) (gcode.Metadata, bool, error) {
	var (
		secs                             sql.NullInt64
		layers                           sql.NullInt64
		filMM, filG, height, nozzle, bed sql.NullFloat64
		slicer                           string
	)

	err := r.db.QueryRow(selectMetadataSQL, fileID).
		Scan(&secs, &filMM, &filG, &layers, &height, &nozzle, &bed, &slicer)
	if errors.Is(err, sql.ErrNoRows) {
		return gcode.Metadata{}, false, nil
	}
	if err != nil {
		return gcode.Metadata{}, false, errors.New().Wrap(ErrStorageAccess, err)
	}

	md := gcode.Metadata{
		FilamentMM:    floatPtr(filMM),
		FilamentGrams: floatPtr(filG),
		LayerHeight:   floatPtr(height),
		NozzleTemp:    floatPtr(nozzle),
		BedTemp:       floatPtr(bed),
		Slicer:        gcode.Slicer(slicer),
	}
	if secs.Valid {
		v := secs.Int64
		md.EstimatedSeconds = &v
	}
	if layers.Valid {
		v := int(layers.Int64)
		md.LayerCount = &v
	}

	return md, true, nil
}

func (r *repository) Save(fileID string, md gcode.Metadata) error {
	var layers interface{}
	if md.LayerCount != nil {
		layers = int64(*md.LayerCount)
	}

	_, err := r.db.Exec(upsertMetadataSQL,
		fileID,
		nullable(md.EstimatedSeconds),
		nullable(md.FilamentMM),
		nullable(md.FilamentGrams),
		layers,
		nullable(md.LayerHeight),
		nullable(md.NozzleTemp),
		nullable(md.BedTemp),
		string(md.Slicer),
		time.Now().Unix(),
	)
	if err != nil {
		r.logger.Error().Err(err).Str("file", fileID).Msg("Failed to store metadata")
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (r *repository) Delete(fileID string) error {
	if _, err := r.db.Exec(deleteMetadataSQL, fileID); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}
	return nil
}

func (r *repository) Close() error {
	errFactory := errors.New()

	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := r.db.Close(); err != nil {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.logger.Info().Msg("Metadata repository closed")

	return nil
}

func nullable[T int64 | float64](p *T) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
