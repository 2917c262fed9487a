package metadata

import "codeberg.org/mutker/printerctl/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("metadata_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("metadata_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("metadata_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("metadata_schema_migration_failed")

	// Storage Errors
	ErrStorageAccess = errors.ErrorCode("metadata_storage_access_failed")
	ErrStorageInit   = errors.ErrInitFailed
	ErrStorageClose  = errors.ErrShutdownFailed

	ErrInvalidFileID = errors.ErrorCode("metadata_invalid_file_id")
)
