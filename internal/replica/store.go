// Package replica persists a library document's operation log on the local device so that a reopened table
// restores offline edits before accepting new ones.
package replica

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/library"
)

var (
	// ErrReplicaCorrupt indicates that persisted replica data could not be decoded or failed its checksum.
	ErrReplicaCorrupt = errors.New("replica: persisted state corrupt")
	// ErrHandleClosed indicates that the replica handle was closed.
	ErrHandleClosed    = errors.New("replica: handle closed")
	errMissingDatabase = errors.New("database handle is required")
	errMissingDocument = errors.New("document is required")
)

const (
	opStoreNew       = "replica.store.new"
	opOpen           = "replica.open"
	opPersist        = "replica.persist"
	opPending        = "replica.pending"
	opMarkReconciled = "replica.mark_reconciled"
	opCompact        = "replica.compact"
	opLibraries      = "replica.libraries"
	opCursor         = "replica.cursor"
	opSaveCursor     = "replica.save_cursor"

	fieldLibraryID = "library_id"
	fieldOpID      = "op_id"

	queryLibrary          = fieldLibraryID + " = ?"
	queryLibraryPending   = fieldLibraryID + " = ? AND local = ? AND reconciled = ?"
	queryLibraryOpIDs     = fieldLibraryID + " = ? AND " + fieldOpID + " IN ?"
	queryLibrarySettled   = fieldLibraryID + " = ? AND (reconciled = ? OR local = ?)"
	orderRecordIDAsc      = "record_id ASC"
	reasonMissingDatabase = "missing_database"
	reasonMissingDocument = "missing_document"
	reasonLoadFailed      = "load_failed"
	reasonCorrupt         = "corrupt"
	reasonPurgeFailed     = "purge_failed"
	reasonWriteFailed     = "write_failed"
	reasonQueryFailed     = "query_failed"
	reasonEncodeFailed    = "encode_failed"
	reasonClosed          = "closed"
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

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// OperationRecord is one persisted document operation.
type OperationRecord struct {
	RecordID        int64  `gorm:"column:record_id;primaryKey;autoIncrement"`
	LibraryID       string `gorm:"column:library_id;size:190;not null;index:idx_replica_operations_library;uniqueIndex:idx_replica_operation_dedupe,priority:1"`
	OpID            string `gorm:"column:op_id;size:190;not null;uniqueIndex:idx_replica_operation_dedupe,priority:2"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
	Checksum        string `gorm:"column:checksum;size:64;not null"`
	Local           bool   `gorm:"column:local;not null;default:false"`
	Reconciled      bool   `gorm:"column:reconciled;not null;default:false"`
	StoredAtSeconds int64  `gorm:"column:stored_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (OperationRecord) TableName() string {
	return "replica_operations"
}

// SnapshotRecord stores the compacted operation set of a library.
type SnapshotRecord struct {
	LibraryID          string `gorm:"column:library_id;primaryKey;size:190;not null"`
	PayloadJSON        string `gorm:"column:payload_json;type:text;not null"`
	Checksum           string `gorm:"column:checksum;size:64;not null"`
	OperationCount     int    `gorm:"column:operation_count;not null;default:0"`
	CompactedAtSeconds int64  `gorm:"column:compacted_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotRecord) TableName() string {
	return "replica_snapshots"
}

// CursorRecord remembers how far a library's relay log has been pulled into the replica.
type CursorRecord struct {
	LibraryID        string `gorm:"column:library_id;primaryKey;size:190;not null"`
	RelaySequence    int64  `gorm:"column:relay_sequence;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CursorRecord) TableName() string {
	return "replica_cursors"
}

// Config describes the dependencies of the Store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store opens per-library replica handles over one database.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Handle binds one library's persisted log to a live document.
type Handle struct {
	store       *Store
	libraryID   library.LibraryID
	document    *crdt.Document
	ctx         context.Context
	unsubscribe func()

	mu       sync.Mutex
	synced   bool
	degraded bool
	closed   bool
	fault    error
}

// Libraries returns the ids of every library with persisted replica data, sorted.
func (s *Store) Libraries(ctx context.Context) ([]library.LibraryID, error) {
	var fromOperations []string
	if err := s.db.WithContext(ctx).Model(&OperationRecord{}).Distinct().Pluck(fieldLibraryID, &fromOperations).Error; err != nil {
		return nil, newServiceError(opLibraries, reasonQueryFailed, err)
	}
	var fromSnapshots []string
	if err := s.db.WithContext(ctx).Model(&SnapshotRecord{}).Pluck(fieldLibraryID, &fromSnapshots).Error; err != nil {
		return nil, newServiceError(opLibraries, reasonQueryFailed, err)
	}
	seen := make(map[string]struct{}, len(fromOperations)+len(fromSnapshots))
	ids := make([]library.LibraryID, 0, len(seen))
	for _, raw := range append(fromOperations, fromSnapshots...) {
		if _, ok := seen[raw]; ok {
			continue
		}
		seen[raw] = struct{}{}
		ids = append(ids, library.LibraryID(raw))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Open replays everything persisted for libraryID into document and then persists every further change. When the
// persisted data is corrupt the library's rows are purged, the document stays empty and the handle reports
// Degraded; the error is available from Err.
func (s *Store) Open(ctx context.Context, libraryID library.LibraryID, document *crdt.Document) (*Handle, error) {
	if document == nil {
		return nil, newServiceError(opOpen, reasonMissingDocument, errMissingDocument)
	}
	handle := &Handle{
		store:     s,
		libraryID: libraryID,
		document:  document,
		ctx:       context.WithoutCancel(ctx),
	}

	ops, loadErr := s.load(ctx, libraryID)
	switch {
	case errors.Is(loadErr, ErrReplicaCorrupt):
		s.logger.Warn("replica corrupt, starting empty",
			zap.String(fieldLibraryID, libraryID.String()),
			zap.Error(loadErr))
		if err := s.purge(ctx, libraryID); err != nil {
			s.logError(opOpen, reasonPurgeFailed, err, zap.String(fieldLibraryID, libraryID.String()))
		}
		handle.degraded = true
		handle.fault = loadErr
	case loadErr != nil:
		return nil, loadErr
	default:
		if err := document.Apply(crdt.OriginReplay, ops...); err != nil {
			return nil, newServiceError(opOpen, reasonLoadFailed, err)
		}
	}

	handle.unsubscribe = document.Observe(handle.persist)
	handle.synced = true
	s.logger.Debug("replica opened",
		zap.String(fieldLibraryID, libraryID.String()),
		zap.Int("operations", len(ops)),
		zap.Bool("degraded", handle.degraded))
	return handle, nil
}

// load reads the snapshot and the log. Any checksum mismatch or undecodable op marks the whole replica corrupt.
func (s *Store) load(ctx context.Context, libraryID library.LibraryID) ([]crdt.Op, error) {
	var ops []crdt.Op

	var snapshots []SnapshotRecord
	if err := s.db.WithContext(ctx).Where(queryLibrary, libraryID.String()).Limit(1).Find(&snapshots).Error; err != nil {
		s.logError(opOpen, reasonLoadFailed, err, zap.String(fieldLibraryID, libraryID.String()))
		return nil, newServiceError(opOpen, reasonLoadFailed, err)
	}
	for _, snapshot := range snapshots {
		if checksum(snapshot.PayloadJSON) != snapshot.Checksum {
			return nil, fmt.Errorf("%w: snapshot checksum mismatch", ErrReplicaCorrupt)
		}
		var snapshotOps []crdt.Op
		if err := json.Unmarshal([]byte(snapshot.PayloadJSON), &snapshotOps); err != nil {
			return nil, fmt.Errorf("%w: snapshot: %v", ErrReplicaCorrupt, err)
		}
		ops = append(ops, snapshotOps...)
	}

	var records []OperationRecord
	if err := s.db.WithContext(ctx).Where(queryLibrary, libraryID.String()).Order(orderRecordIDAsc).Find(&records).Error; err != nil {
		s.logError(opOpen, reasonLoadFailed, err, zap.String(fieldLibraryID, libraryID.String()))
		return nil, newServiceError(opOpen, reasonLoadFailed, err)
	}
	for _, record := range records {
		op, err := decodeRecord(record)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReplicaCorrupt, err)
		}
	}
	return ops, nil
}

func (s *Store) purge(ctx context.Context, libraryID library.LibraryID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(queryLibrary, libraryID.String()).Delete(&OperationRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where(queryLibrary, libraryID.String()).Delete(&CursorRecord{}).Error; err != nil {
			return err
		}
		return tx.Where(queryLibrary, libraryID.String()).Delete(&SnapshotRecord{}).Error
	})
}

// LibraryID returns the library the handle persists.
func (h *Handle) LibraryID() library.LibraryID {
	return h.libraryID
}

// Synced reports whether the persisted log has been replayed and the handle is still attached.
func (h *Handle) Synced() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.synced
}

// Degraded reports whether the handle lost persisted data or failed to write.
func (h *Handle) Degraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded
}

// Err returns the fault that degraded the handle, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fault
}

// persist writes the ops of one change. Local ops wait for reconciliation; remote ops are already known upstream.
func (h *Handle) persist(change crdt.Change) {
	if change.Origin == crdt.OriginReplay || len(change.Ops) == 0 {
		return
	}
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return
	}

	local := change.Origin == crdt.OriginLocal
	storedAt := h.store.clock().UTC().Unix()
	records := make([]OperationRecord, 0, len(change.Ops))
	for _, op := range change.Ops {
		payload, err := json.Marshal(op)
		if err != nil {
			h.fail(opPersist, reasonEncodeFailed, err, op.ID)
			return
		}
		records = append(records, OperationRecord{
			LibraryID:       h.libraryID.String(),
			OpID:            op.ID.String(),
			PayloadJSON:     string(payload),
			Checksum:        checksum(string(payload)),
			Local:           local,
			Reconciled:      !local,
			StoredAtSeconds: storedAt,
		})
	}
	err := h.store.db.WithContext(h.ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&records).Error
	if err != nil {
		h.fail(opPersist, reasonWriteFailed, err, change.Ops[0].ID)
	}
}

func (h *Handle) fail(operation, reason string, err error, opID crdt.OpID) {
	h.store.logError(operation, reason, err,
		zap.String(fieldLibraryID, h.libraryID.String()),
		zap.String(fieldOpID, opID.String()))
	h.mu.Lock()
	h.degraded = true
	if h.fault == nil {
		h.fault = newServiceError(operation, reason, err)
	}
	h.mu.Unlock()
}

// PendingOperations returns the local ops that have not been reconciled with the backend, oldest first.
func (h *Handle) PendingOperations(ctx context.Context) ([]crdt.Op, error) {
	if err := h.checkOpen(opPending); err != nil {
		return nil, err
	}
	var records []OperationRecord
	if err := h.store.db.WithContext(ctx).
		Where(queryLibraryPending, h.libraryID.String(), true, false).
		Order(orderRecordIDAsc).
		Find(&records).Error; err != nil {
		h.store.logError(opPending, reasonQueryFailed, err, zap.String(fieldLibraryID, h.libraryID.String()))
		return nil, newServiceError(opPending, reasonQueryFailed, err)
	}
	ops := make([]crdt.Op, 0, len(records))
	for _, record := range records {
		op, err := decodeRecord(record)
		if err != nil {
			h.store.logError(opPending, reasonCorrupt, err, zap.String(fieldLibraryID, h.libraryID.String()))
			return nil, newServiceError(opPending, reasonCorrupt, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// MarkReconciled flags ops as accepted by the backend.
func (h *Handle) MarkReconciled(ctx context.Context, opIDs []crdt.OpID) error {
	if err := h.checkOpen(opMarkReconciled); err != nil {
		return err
	}
	if len(opIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(opIDs))
	for _, id := range opIDs {
		keys = append(keys, id.String())
	}
	if err := h.store.db.WithContext(ctx).
		Model(&OperationRecord{}).
		Where(queryLibraryOpIDs, h.libraryID.String(), keys).
		Update("reconciled", true).Error; err != nil {
		h.store.logError(opMarkReconciled, reasonWriteFailed, err, zap.String(fieldLibraryID, h.libraryID.String()))
		return newServiceError(opMarkReconciled, reasonWriteFailed, err)
	}
	return nil
}

// RelayCursor returns the last relay sequence stored in the replica, zero when nothing was pulled yet.
func (h *Handle) RelayCursor(ctx context.Context) (int64, error) {
	if err := h.checkOpen(opCursor); err != nil {
		return 0, err
	}
	var records []CursorRecord
	if err := h.store.db.WithContext(ctx).Where(queryLibrary, h.libraryID.String()).Limit(1).Find(&records).Error; err != nil {
		h.store.logError(opCursor, reasonQueryFailed, err, zap.String(fieldLibraryID, h.libraryID.String()))
		return 0, newServiceError(opCursor, reasonQueryFailed, err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	return records[0].RelaySequence, nil
}

// SaveRelayCursor stores the relay sequence pulled so far. A sequence lower than the stored one is ignored.
func (h *Handle) SaveRelayCursor(ctx context.Context, sequence int64) error {
	if err := h.checkOpen(opSaveCursor); err != nil {
		return err
	}
	record := CursorRecord{
		LibraryID:        h.libraryID.String(),
		RelaySequence:    sequence,
		UpdatedAtSeconds: h.store.clock().UTC().Unix(),
	}
	err := h.store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: fieldLibraryID}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"relay_sequence": gorm.Expr("MAX(relay_sequence, excluded.relay_sequence)"),
			"updated_at_s":   record.UpdatedAtSeconds,
		}),
	}).Create(&record).Error
	if err != nil {
		h.store.logError(opSaveCursor, reasonWriteFailed, err, zap.String(fieldLibraryID, h.libraryID.String()))
		return newServiceError(opSaveCursor, reasonWriteFailed, err)
	}
	return nil
}

// Compact replaces the settled part of the log with a snapshot of the document. Unreconciled local ops stay in
// the log so that they can still be pushed.
func (h *Handle) Compact(ctx context.Context) error {
	if err := h.checkOpen(opCompact); err != nil {
		return err
	}
	ops := h.document.Compact()
	payload, err := json.Marshal(ops)
	if err != nil {
		h.store.logError(opCompact, reasonEncodeFailed, err, zap.String(fieldLibraryID, h.libraryID.String()))
		return newServiceError(opCompact, reasonEncodeFailed, err)
	}
	snapshot := SnapshotRecord{
		LibraryID:          h.libraryID.String(),
		PayloadJSON:        string(payload),
		Checksum:           checksum(string(payload)),
		OperationCount:     len(ops),
		CompactedAtSeconds: h.store.clock().UTC().Unix(),
	}
	txErr := h.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&snapshot).Error; err != nil {
			return err
		}
		return tx.Where(queryLibrarySettled, h.libraryID.String(), true, false).Delete(&OperationRecord{}).Error
	})
	if txErr != nil {
		h.store.logError(opCompact, reasonWriteFailed, txErr, zap.String(fieldLibraryID, h.libraryID.String()))
		return newServiceError(opCompact, reasonWriteFailed, txErr)
	}
	return nil
}

// Close detaches the handle from the document. Persisted data is kept.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.synced = false
	unsubscribe := h.unsubscribe
	h.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (h *Handle) checkOpen(operation string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return newServiceError(operation, reasonClosed, ErrHandleClosed)
	}
	return nil
}

func decodeRecord(record OperationRecord) (crdt.Op, error) {
	if checksum(record.PayloadJSON) != record.Checksum {
		return crdt.Op{}, fmt.Errorf("%w: checksum mismatch for %s", ErrReplicaCorrupt, record.OpID)
	}
	var op crdt.Op
	if err := json.Unmarshal([]byte(record.PayloadJSON), &op); err != nil {
		return crdt.Op{}, fmt.Errorf("%w: %s: %v", ErrReplicaCorrupt, record.OpID, err)
	}
	return op, nil
}

func checksum(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("replica store error", attrs...)
}
