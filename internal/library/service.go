package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingCaller    = errors.New("caller identity is required")
	errMissingLibraryID = errors.New("library identifier is required")
	// ErrRowNotFound indicates that the row does not exist in the library.
	ErrRowNotFound = errors.New("library: row not found")
	noOpLogger     = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "library.service.new"
	opListRows   = "library.list_rows"
	opInsertRow  = "library.insert_row"
	opUpdateRow  = "library.update_row"
	opDeleteRow  = "library.delete_row"

	fieldLibraryID = "library_id"
	fieldRowID     = "row_id"
	fieldUserID    = "user_id"

	queryLibrary    = fieldLibraryID + " = ?"
	queryLibraryRow = fieldLibraryID + " = ? AND " + fieldRowID + " = ?"

	reasonMissingDatabase = "missing_database"
	reasonMissingCaller   = "missing_caller"
	reasonMissingLibrary  = "missing_library"
	reasonQueryFailed     = "query_failed"
	reasonRowSelectFailed = "row_select_failed"
	reasonRowSaveFailed   = "row_save_failed"
	reasonRowNotFound     = "row_not_found"
	reasonFieldsInvalid   = "fields_invalid"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// AssetRow is the relational representation of a Row.
type AssetRow struct {
	LibraryID        string         `gorm:"column:library_id;primaryKey;size:190;not null;index:idx_asset_rows_library_position,priority:1"`
	RowID            string         `gorm:"column:row_id;primaryKey;size:190;not null"`
	FieldsJSON       datatypes.JSON `gorm:"column:fields_json;type:json;not null"`
	Position         int64          `gorm:"column:position;not null;default:0;index:idx_asset_rows_library_position,priority:2"`
	Version          int64          `gorm:"column:version;not null;default:1"`
	IsDeleted        bool           `gorm:"column:is_deleted;not null;default:false"`
	CreatedAtSeconds int64          `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64          `gorm:"column:updated_at_s;not null"`
	UpdatedBy        string         `gorm:"column:updated_by;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (AssetRow) TableName() string {
	return "asset_rows"
}

// StoredRow is the authoritative record returned after a backend call.
type StoredRow struct {
	Row              Row
	Version          int64
	Position         int64
	IsDeleted        bool
	UpdatedAtSeconds int64
	UpdatedBy        string
}

func (model AssetRow) toStoredRow() (StoredRow, error) {
	fields := map[PropertyKey]Value{}
	if len(model.FieldsJSON) > 0 {
		if err := json.Unmarshal(model.FieldsJSON, &fields); err != nil {
			return StoredRow{}, err
		}
	}
	return StoredRow{
		Row:              Row{ID: RowID(model.RowID), Fields: fields},
		Version:          model.Version,
		Position:         model.Position,
		IsDeleted:        model.IsDeleted,
		UpdatedAtSeconds: model.UpdatedAtSeconds,
		UpdatedBy:        model.UpdatedBy,
	}, nil
}

// ServiceConfig describes the dependencies of the relational row service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service stores asset rows and relays replicated operations between clients.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// ListRows returns the live rows of a library in position order.
func (s *Service) ListRows(ctx context.Context, caller Caller, libraryID LibraryID) ([]StoredRow, error) {
	if err := s.precondition(opListRows, caller, libraryID); err != nil {
		return nil, err
	}

	var models []AssetRow
	if err := s.db.WithContext(ctx).
		Where(queryLibrary+" AND is_deleted = ?", libraryID.String(), false).
		Order("position ASC").
		Order("row_id ASC").
		Find(&models).Error; err != nil {
		s.logError(opListRows, reasonQueryFailed, err, zap.String(fieldLibraryID, libraryID.String()))
		return nil, newServiceError(opListRows, reasonQueryFailed, err)
	}

	rows := make([]StoredRow, 0, len(models))
	for _, model := range models {
		stored, err := model.toStoredRow()
		if err != nil {
			s.logError(opListRows, reasonFieldsInvalid, err,
				zap.String(fieldLibraryID, libraryID.String()),
				zap.String(fieldRowID, model.RowID))
			return nil, newServiceError(opListRows, reasonFieldsInvalid, err)
		}
		rows = append(rows, stored)
	}
	return rows, nil
}

// InsertRow stores a row at the end of the library. Inserting an id that already exists replaces its fields and
// revives it, so a retried insert is harmless.
func (s *Service) InsertRow(ctx context.Context, caller Caller, libraryID LibraryID, row Row) (StoredRow, error) {
	if err := s.precondition(opInsertRow, caller, libraryID); err != nil {
		return StoredRow{}, err
	}
	if _, err := NewRowID(row.ID.String()); err != nil {
		return StoredRow{}, newServiceError(opInsertRow, "invalid_row_id", err)
	}
	fieldsJSON, err := encodeFields(row.Fields)
	if err != nil {
		return StoredRow{}, newServiceError(opInsertRow, reasonFieldsInvalid, err)
	}

	var result StoredRow
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := s.lockRow(tx, libraryID, row.ID)
		if err != nil {
			s.logError(opInsertRow, reasonRowSelectFailed, err, s.rowFields(caller, libraryID, row.ID)...)
			return newServiceError(opInsertRow, reasonRowSelectFailed, err)
		}

		nowSeconds := s.clock().UTC().Unix()
		model := existing
		if !found {
			var maxPosition int64
			if err := tx.Model(&AssetRow{}).
				Where(queryLibrary, libraryID.String()).
				Select("COALESCE(MAX(position), 0)").
				Scan(&maxPosition).Error; err != nil {
				s.logError(opInsertRow, reasonQueryFailed, err, s.rowFields(caller, libraryID, row.ID)...)
				return newServiceError(opInsertRow, reasonQueryFailed, err)
			}
			model = AssetRow{
				LibraryID:        libraryID.String(),
				RowID:            row.ID.String(),
				Position:         maxPosition + 1,
				Version:          0,
				CreatedAtSeconds: nowSeconds,
			}
		}
		model.FieldsJSON = fieldsJSON
		model.IsDeleted = false
		model.Version++
		model.UpdatedAtSeconds = nowSeconds
		model.UpdatedBy = caller.UserID

		if err := tx.Save(&model).Error; err != nil {
			s.logError(opInsertRow, reasonRowSaveFailed, err, s.rowFields(caller, libraryID, row.ID)...)
			return newServiceError(opInsertRow, reasonRowSaveFailed, err)
		}
		stored, err := model.toStoredRow()
		if err != nil {
			return newServiceError(opInsertRow, reasonFieldsInvalid, err)
		}
		result = stored
		return nil
	})
	if txErr != nil {
		return StoredRow{}, txErr
	}
	return result, nil
}

// UpdateRow merges patch into the stored fields. A null value removes the field.
func (s *Service) UpdateRow(ctx context.Context, caller Caller, libraryID LibraryID, rowID RowID, patch map[PropertyKey]Value) (StoredRow, error) {
	if err := s.precondition(opUpdateRow, caller, libraryID); err != nil {
		return StoredRow{}, err
	}
	for key, value := range patch {
		if err := value.Validate(); err != nil {
			return StoredRow{}, newServiceError(opUpdateRow, reasonFieldsInvalid, fmt.Errorf("%s: %w", key, err))
		}
	}

	var result StoredRow
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := s.lockRow(tx, libraryID, rowID)
		if err != nil {
			s.logError(opUpdateRow, reasonRowSelectFailed, err, s.rowFields(caller, libraryID, rowID)...)
			return newServiceError(opUpdateRow, reasonRowSelectFailed, err)
		}
		if !found || existing.IsDeleted {
			return newServiceError(opUpdateRow, reasonRowNotFound, ErrRowNotFound)
		}
		stored, err := existing.toStoredRow()
		if err != nil {
			s.logError(opUpdateRow, reasonFieldsInvalid, err, s.rowFields(caller, libraryID, rowID)...)
			return newServiceError(opUpdateRow, reasonFieldsInvalid, err)
		}
		for key, value := range patch {
			if value.IsNull() {
				delete(stored.Row.Fields, key)
				continue
			}
			stored.Row.Fields[key] = value.Clone()
		}
		fieldsJSON, err := encodeFields(stored.Row.Fields)
		if err != nil {
			return newServiceError(opUpdateRow, reasonFieldsInvalid, err)
		}
		existing.FieldsJSON = fieldsJSON
		existing.Version++
		existing.UpdatedAtSeconds = s.clock().UTC().Unix()
		existing.UpdatedBy = caller.UserID
		if err := tx.Save(&existing).Error; err != nil {
			s.logError(opUpdateRow, reasonRowSaveFailed, err, s.rowFields(caller, libraryID, rowID)...)
			return newServiceError(opUpdateRow, reasonRowSaveFailed, err)
		}
		result, err = existing.toStoredRow()
		return err
	})
	if txErr != nil {
		return StoredRow{}, txErr
	}
	return result, nil
}

// DeleteRow marks the row deleted. Deleting an already deleted row returns its last state.
func (s *Service) DeleteRow(ctx context.Context, caller Caller, libraryID LibraryID, rowID RowID) (StoredRow, error) {
	if err := s.precondition(opDeleteRow, caller, libraryID); err != nil {
		return StoredRow{}, err
	}

	var result StoredRow
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := s.lockRow(tx, libraryID, rowID)
		if err != nil {
			s.logError(opDeleteRow, reasonRowSelectFailed, err, s.rowFields(caller, libraryID, rowID)...)
			return newServiceError(opDeleteRow, reasonRowSelectFailed, err)
		}
		if !found {
			return newServiceError(opDeleteRow, reasonRowNotFound, ErrRowNotFound)
		}
		if !existing.IsDeleted {
			existing.IsDeleted = true
			existing.Version++
			existing.UpdatedAtSeconds = s.clock().UTC().Unix()
			existing.UpdatedBy = caller.UserID
			if err := tx.Save(&existing).Error; err != nil {
				s.logError(opDeleteRow, reasonRowSaveFailed, err, s.rowFields(caller, libraryID, rowID)...)
				return newServiceError(opDeleteRow, reasonRowSaveFailed, err)
			}
		}
		result, err = existing.toStoredRow()
		return err
	})
	if txErr != nil {
		return StoredRow{}, txErr
	}
	return result, nil
}

func (s *Service) lockRow(tx *gorm.DB, libraryID LibraryID, rowID RowID) (AssetRow, bool, error) {
	var existing AssetRow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryLibraryRow, libraryID.String(), rowID.String()).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AssetRow{}, false, nil
	}
	if err != nil {
		return AssetRow{}, false, err
	}
	return existing, true, nil
}

func (s *Service) precondition(operation string, caller Caller, libraryID LibraryID) error {
	if s == nil || s.db == nil {
		s.logError(operation, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(operation, reasonMissingDatabase, errMissingDatabase)
	}
	if caller.UserID == "" {
		return newServiceError(operation, reasonMissingCaller, errMissingCaller)
	}
	if libraryID == "" {
		return newServiceError(operation, reasonMissingLibrary, errMissingLibraryID)
	}
	return nil
}

func encodeFields(fields map[PropertyKey]Value) (datatypes.JSON, error) {
	clean := make(map[PropertyKey]Value, len(fields))
	for key, value := range fields {
		if err := value.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if value.IsNull() {
			continue
		}
		clean[key] = value
	}
	encoded, err := json.Marshal(clean)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

func (s *Service) rowFields(caller Caller, libraryID LibraryID, rowID RowID) []zap.Field {
	return []zap.Field{
		zap.String(fieldUserID, caller.UserID),
		zap.String(fieldLibraryID, libraryID.String()),
		zap.String(fieldRowID, rowID.String()),
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("library service error", attrs...)
}
