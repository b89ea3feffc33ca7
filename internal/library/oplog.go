package library

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidOperationPayload indicates that a relayed operation payload is invalid.
	ErrInvalidOperationPayload = errors.New("library: invalid operation payload")
	// ErrInvalidOperationCursor indicates that an operation cursor is negative.
	ErrInvalidOperationCursor = errors.New("library: invalid operation cursor")
)

const (
	opAppendOperations = "library.append_operations"
	opListOperations   = "library.list_operations"

	columnSequence        = "sequence"
	orderSequenceAsc      = columnSequence + " ASC"
	queryLibraryHash      = fieldLibraryID + " = ? AND payload_hash = ?"
	queryLibraryAfter     = fieldLibraryID + " = ? AND " + columnSequence + " > ?"
	reasonOpInsertFailed  = "operation_insert_failed"
	reasonOpLookupFailed  = "operation_lookup_failed"
	reasonPayloadInvalid  = "operation_payload_invalid"
	defaultOperationLimit = 500
)

// LibraryOperation stores a replicated document operation relayed through the server.
type LibraryOperation struct {
	Sequence         int64  `gorm:"column:sequence;primaryKey;autoIncrement"`
	LibraryID        string `gorm:"column:library_id;size:190;not null;index:idx_library_operations_library;uniqueIndex:idx_library_operation_dedupe,priority:1"`
	OpID             string `gorm:"column:op_id;size:190;not null"`
	ClientID         string `gorm:"column:client_id;size:190;not null;default:''"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	PayloadHash      string `gorm:"column:payload_hash;size:64;not null;uniqueIndex:idx_library_operation_dedupe,priority:2"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LibraryOperation) TableName() string {
	return "library_operations"
}

// OperationPayload is a validated JSON-encoded replicated operation.
type OperationPayload struct {
	opID     string
	clientID string
	raw      json.RawMessage
}

type operationHeader struct {
	ID struct {
		Counter  uint64 `json:"counter"`
		ClientID string `json:"client_id"`
	} `json:"id"`
}

// NewOperationPayload validates raw JSON and extracts the operation identity.
func NewOperationPayload(raw json.RawMessage) (OperationPayload, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return OperationPayload{}, fmt.Errorf("%w: empty", ErrInvalidOperationPayload)
	}
	var header operationHeader
	if err := json.Unmarshal([]byte(trimmed), &header); err != nil {
		return OperationPayload{}, fmt.Errorf("%w: %v", ErrInvalidOperationPayload, err)
	}
	if header.ID.Counter == 0 || strings.TrimSpace(header.ID.ClientID) == "" {
		return OperationPayload{}, fmt.Errorf("%w: missing operation id", ErrInvalidOperationPayload)
	}
	return OperationPayload{
		opID:     fmt.Sprintf("%d@%s", header.ID.Counter, header.ID.ClientID),
		clientID: header.ID.ClientID,
		raw:      json.RawMessage(trimmed),
	}, nil
}

// OpID returns the operation identifier in "counter@client" form.
func (payload OperationPayload) OpID() string {
	return payload.opID
}

// Raw returns the JSON payload.
func (payload OperationPayload) Raw() json.RawMessage {
	return payload.raw
}

// OperationOutcome reports where a relayed operation landed in the library log.
type OperationOutcome struct {
	OpID      string
	Sequence  int64
	Duplicate bool
}

// OperationRecord is a relayed operation returned to pulling clients.
type OperationRecord struct {
	Sequence int64
	Payload  json.RawMessage
}

// AppendOperations stores relayed operations, ignoring payloads that were already stored.
func (s *Service) AppendOperations(ctx context.Context, caller Caller, libraryID LibraryID, payloads []OperationPayload) ([]OperationOutcome, error) {
	if err := s.precondition(opAppendOperations, caller, libraryID); err != nil {
		return nil, err
	}
	outcomes := make([]OperationOutcome, 0, len(payloads))
	if len(payloads) == 0 {
		return outcomes, nil
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, payload := range payloads {
			payloadHash := hashPayload(payload.raw)
			model := LibraryOperation{
				LibraryID:        libraryID.String(),
				OpID:             payload.opID,
				ClientID:         payload.clientID,
				PayloadJSON:      string(payload.raw),
				PayloadHash:      payloadHash,
				AppliedAtSeconds: s.clock().UTC().Unix(),
			}
			createResult := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
			if createResult.Error != nil {
				s.logError(opAppendOperations, reasonOpInsertFailed, createResult.Error,
					zap.String(fieldLibraryID, libraryID.String()),
					zap.String("op_id", payload.opID))
				return newServiceError(opAppendOperations, reasonOpInsertFailed, createResult.Error)
			}

			duplicate := createResult.RowsAffected == 0
			sequence := model.Sequence
			if duplicate {
				var existing LibraryOperation
				if err := tx.Select(columnSequence).
					Where(queryLibraryHash, libraryID.String(), payloadHash).
					Take(&existing).Error; err != nil {
					s.logError(opAppendOperations, reasonOpLookupFailed, err,
						zap.String(fieldLibraryID, libraryID.String()),
						zap.String("op_id", payload.opID))
					return newServiceError(opAppendOperations, reasonOpLookupFailed, err)
				}
				sequence = existing.Sequence
			}
			outcomes = append(outcomes, OperationOutcome{
				OpID:      payload.opID,
				Sequence:  sequence,
				Duplicate: duplicate,
			})
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return outcomes, nil
}

// ListOperations returns relayed operations stored after the cursor sequence.
func (s *Service) ListOperations(ctx context.Context, caller Caller, libraryID LibraryID, afterSequence int64, limit int) ([]OperationRecord, error) {
	if err := s.precondition(opListOperations, caller, libraryID); err != nil {
		return nil, err
	}
	if afterSequence < 0 {
		return nil, newServiceError(opListOperations, "invalid_cursor", fmt.Errorf("%w: %d", ErrInvalidOperationCursor, afterSequence))
	}
	if limit <= 0 || limit > defaultOperationLimit {
		limit = defaultOperationLimit
	}

	var models []LibraryOperation
	if err := s.db.WithContext(ctx).
		Where(queryLibraryAfter, libraryID.String(), afterSequence).
		Order(orderSequenceAsc).
		Limit(limit).
		Find(&models).Error; err != nil {
		s.logError(opListOperations, reasonQueryFailed, err, zap.String(fieldLibraryID, libraryID.String()))
		return nil, newServiceError(opListOperations, reasonQueryFailed, err)
	}

	records := make([]OperationRecord, 0, len(models))
	for _, model := range models {
		if !json.Valid([]byte(model.PayloadJSON)) {
			s.logError(opListOperations, reasonPayloadInvalid, ErrInvalidOperationPayload,
				zap.String(fieldLibraryID, libraryID.String()),
				zap.Int64(columnSequence, model.Sequence))
			return nil, newServiceError(opListOperations, reasonPayloadInvalid, ErrInvalidOperationPayload)
		}
		records = append(records, OperationRecord{
			Sequence: model.Sequence,
			Payload:  json.RawMessage(model.PayloadJSON),
		})
	}
	return records, nil
}

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
