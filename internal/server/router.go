package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/events"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/library"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/presence"
)

const (
	claimsContextKey   = "assetgrid_claims"
	identityContextKey = "assetgrid_identity"
	callerContextKey   = "assetgrid_caller"
	libraryContextKey  = "assetgrid_library"

	clientIDHeader        = "X-Client-ID"
	defaultHeartbeatEvery = 15 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingLibraryService   = errors.New("library service dependency required")
	errMissingEventBus         = errors.New("event bus dependency required")
)

// SessionValidator authenticates a request from its session cookie.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// CollaboratorDirectory maps session claims to the canonical collaborator identity.
type CollaboratorDirectory interface {
	ResolveCollaborator(ctx context.Context, claims auth.SessionClaims) (presence.Identity, error)
}

// LibraryService is the relational row store and operation relay.
type LibraryService interface {
	ListRows(ctx context.Context, caller library.Caller, libraryID library.LibraryID) ([]library.StoredRow, error)
	InsertRow(ctx context.Context, caller library.Caller, libraryID library.LibraryID, row library.Row) (library.StoredRow, error)
	UpdateRow(ctx context.Context, caller library.Caller, libraryID library.LibraryID, rowID library.RowID, patch map[library.PropertyKey]library.Value) (library.StoredRow, error)
	DeleteRow(ctx context.Context, caller library.Caller, libraryID library.LibraryID, rowID library.RowID) (library.StoredRow, error)
	AppendOperations(ctx context.Context, caller library.Caller, libraryID library.LibraryID, payloads []library.OperationPayload) ([]library.OperationOutcome, error)
	ListOperations(ctx context.Context, caller library.Caller, libraryID library.LibraryID, afterSequence int64, limit int) ([]library.OperationRecord, error)
}

type Dependencies struct {
	Sessions          SessionValidator
	Collaborators     CollaboratorDirectory
	Library           LibraryService
	Bus               *events.Bus
	IDs               library.IDProvider
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	PresenceTimeout   time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Library == nil {
		return nil, errMissingLibraryService
	}
	if deps.Bus == nil {
		return nil, errMissingEventBus
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := deps.IDs
	if ids == nil {
		ids = library.NewUUIDProvider()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatEvery
	}
	presenceTimeout := deps.PresenceTimeout
	if presenceTimeout <= 0 {
		presenceTimeout = presence.DefaultTimeout
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:        deps.Sessions,
		collaborators:   deps.Collaborators,
		library:         deps.Library,
		bus:             deps.Bus,
		ids:             ids,
		clock:           clock,
		heartbeat:       heartbeat,
		presenceTimeout: presenceTimeout,
		logger:          logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	libraries := router.Group("/libraries/:libraryId")
	libraries.Use(handler.authorizeRequest, handler.scopeLibrary)
	libraries.GET("/rows", handler.handleListRows)
	libraries.GET("/operations", handler.handleListOperations)
	libraries.GET("/stream", handler.handleStream)
	libraries.POST("/presence", handler.handlePresence)

	editable := libraries.Group("")
	editable.Use(requireEditor)
	editable.POST("/rows", handler.handleInsertRow)
	editable.PATCH("/rows/:rowId", handler.handleUpdateRow)
	editable.DELETE("/rows/:rowId", handler.handleDeleteRow)
	editable.POST("/operations", handler.handleAppendOperations)

	return router, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimSpace(origin)] = struct{}{}
	}
	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", clientIDHeader, "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions        SessionValidator
	collaborators   CollaboratorDirectory
	library         LibraryService
	bus             *events.Bus
	ids             library.IDProvider
	clock           func() time.Time
	heartbeat       time.Duration
	presenceTimeout time.Duration
	logger          *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	identity := presence.Identity{UserID: claims.UserID, DisplayName: claims.UserDisplayName, Email: claims.UserEmail}
	if h.collaborators != nil {
		resolved, err := h.collaborators.ResolveCollaborator(c.Request.Context(), claims)
		if err != nil {
			h.logger.Error("collaborator resolution failed", zap.String("user_id", claims.UserID), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity_failed"})
			return
		}
		identity = resolved
	}
	c.Set(claimsContextKey, claims)
	c.Set(identityContextKey, identity)
	c.Next()
}

func (h *httpHandler) scopeLibrary(c *gin.Context) {
	libraryID, err := library.NewLibraryID(c.Param("libraryId"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_library"})
		return
	}
	claims := c.MustGet(claimsContextKey).(auth.SessionClaims)
	caller, err := claims.CallerIn(libraryID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	caller.UserID = identityFrom(c).UserID
	c.Set(libraryContextKey, libraryID)
	c.Set(callerContextKey, caller)
	c.Next()
}

func requireEditor(c *gin.Context) {
	if !callerFrom(c).Role.CanEdit() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "read_only"})
		return
	}
	c.Next()
}

func callerFrom(c *gin.Context) library.Caller {
	return c.MustGet(callerContextKey).(library.Caller)
}

func libraryFrom(c *gin.Context) library.LibraryID {
	return c.MustGet(libraryContextKey).(library.LibraryID)
}

func identityFrom(c *gin.Context) presence.Identity {
	return c.MustGet(identityContextKey).(presence.Identity)
}

type rowPayload struct {
	ID               string                                `json:"id"`
	Fields           map[library.PropertyKey]library.Value `json:"fields"`
	Version          int64                                 `json:"version"`
	Position         int64                                 `json:"position"`
	UpdatedAtSeconds int64                                 `json:"updated_at_s"`
	UpdatedBy        string                                `json:"updated_by"`
}

func toRowPayload(stored library.StoredRow) rowPayload {
	fields := stored.Row.Fields
	if fields == nil {
		fields = map[library.PropertyKey]library.Value{}
	}
	return rowPayload{
		ID:               stored.Row.ID.String(),
		Fields:           fields,
		Version:          stored.Version,
		Position:         stored.Position,
		UpdatedAtSeconds: stored.UpdatedAtSeconds,
		UpdatedBy:        stored.UpdatedBy,
	}
}

type rowsResponsePayload struct {
	Rows []rowPayload `json:"rows"`
}

func (h *httpHandler) handleListRows(c *gin.Context) {
	rows, err := h.library.ListRows(c.Request.Context(), callerFrom(c), libraryFrom(c))
	if err != nil {
		h.respondServiceError(c, "failed to list rows", err)
		return
	}
	response := rowsResponsePayload{Rows: make([]rowPayload, 0, len(rows))}
	for _, row := range rows {
		response.Rows = append(response.Rows, toRowPayload(row))
	}
	c.JSON(http.StatusOK, response)
}

type insertRowRequestPayload struct {
	ID     string                                `json:"id"`
	Fields map[library.PropertyKey]library.Value `json:"fields"`
}

func (h *httpHandler) handleInsertRow(c *gin.Context) {
	var request insertRowRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	rowID := library.RowID(strings.TrimSpace(request.ID))
	if rowID == "" {
		generated, err := library.NewRowIDFrom(h.ids)
		if err != nil {
			h.logger.Error("failed to issue row id", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "row_id_failed"})
			return
		}
		rowID = generated
	}

	stored, err := h.library.InsertRow(c.Request.Context(), callerFrom(c), libraryFrom(c), library.Row{ID: rowID, Fields: request.Fields})
	if err != nil {
		h.respondServiceError(c, "failed to insert row", err)
		return
	}
	h.publish(c, events.TypeRowCreated, []string{stored.Row.ID.String()}, nil)
	c.JSON(http.StatusCreated, toRowPayload(stored))
}

type updateRowRequestPayload struct {
	Fields map[library.PropertyKey]library.Value `json:"fields"`
}

func (h *httpHandler) handleUpdateRow(c *gin.Context) {
	rowID, err := library.NewRowID(c.Param("rowId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_row"})
		return
	}
	var request updateRowRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Fields) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	stored, err := h.library.UpdateRow(c.Request.Context(), callerFrom(c), libraryFrom(c), rowID, request.Fields)
	if err != nil {
		h.respondServiceError(c, "failed to update row", err)
		return
	}
	h.publish(c, events.TypeFieldUpdated, []string{rowID.String()}, nil)
	c.JSON(http.StatusOK, toRowPayload(stored))
}

func (h *httpHandler) handleDeleteRow(c *gin.Context) {
	rowID, err := library.NewRowID(c.Param("rowId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_row"})
		return
	}
	stored, err := h.library.DeleteRow(c.Request.Context(), callerFrom(c), libraryFrom(c), rowID)
	if err != nil {
		h.respondServiceError(c, "failed to delete row", err)
		return
	}
	h.publish(c, events.TypeRowDeleted, []string{rowID.String()}, nil)
	c.JSON(http.StatusOK, toRowPayload(stored))
}

type appendOperationsRequestPayload struct {
	Operations []json.RawMessage `json:"operations"`
}

type operationOutcomePayload struct {
	OpID      string `json:"op_id"`
	Sequence  int64  `json:"sequence"`
	Duplicate bool   `json:"duplicate"`
}

type appendOperationsResponsePayload struct {
	Results []operationOutcomePayload `json:"results"`
}

type operationRowPayload struct {
	RowID string `json:"row_id"`
}

func (h *httpHandler) handleAppendOperations(c *gin.Context) {
	var request appendOperationsRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Operations) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	payloads := make([]library.OperationPayload, 0, len(request.Operations))
	rawOperations := make([]json.RawMessage, 0, len(request.Operations))
	for _, raw := range request.Operations {
		payload, err := library.NewOperationPayload(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation"})
			return
		}
		var op crdt.Op
		if err := json.Unmarshal(raw, &op); err != nil || op.Validate() != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation"})
			return
		}
		payloads = append(payloads, payload)
		rawOperations = append(rawOperations, raw)
	}

	outcomes, err := h.library.AppendOperations(c.Request.Context(), callerFrom(c), libraryFrom(c), payloads)
	if err != nil {
		h.respondServiceError(c, "failed to append operations", err)
		return
	}

	response := appendOperationsResponsePayload{Results: make([]operationOutcomePayload, 0, len(outcomes))}
	fresh := make([]json.RawMessage, 0, len(outcomes))
	for index, outcome := range outcomes {
		response.Results = append(response.Results, operationOutcomePayload{
			OpID:      outcome.OpID,
			Sequence:  outcome.Sequence,
			Duplicate: outcome.Duplicate,
		})
		if !outcome.Duplicate {
			fresh = append(fresh, rawOperations[index])
		}
	}
	if rowIDs := collectOperationRowIDs(fresh); len(rowIDs) > 0 {
		h.publish(c, events.TypeRowsChanged, rowIDs, nil)
	}
	c.JSON(http.StatusOK, response)
}

// collectOperationRowIDs returns the sorted distinct row ids touched by the operations.
func collectOperationRowIDs(operations []json.RawMessage) []string {
	seen := make(map[string]struct{})
	var rowIDs []string
	for _, raw := range operations {
		var operation operationRowPayload
		if err := json.Unmarshal(raw, &operation); err != nil || operation.RowID == "" {
			continue
		}
		if _, ok := seen[operation.RowID]; ok {
			continue
		}
		seen[operation.RowID] = struct{}{}
		rowIDs = append(rowIDs, operation.RowID)
	}
	sort.Strings(rowIDs)
	return rowIDs
}

type operationRecordPayload struct {
	Sequence  int64           `json:"sequence"`
	Operation json.RawMessage `json:"operation"`
}

type listOperationsResponsePayload struct {
	Operations []operationRecordPayload `json:"operations"`
	Cursor     int64                    `json:"cursor"`
}

func (h *httpHandler) handleListOperations(c *gin.Context) {
	after, err := parseInt64Query(c, "after")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
		return
	}
	limit, err := parseInt64Query(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}

	records, err := h.library.ListOperations(c.Request.Context(), callerFrom(c), libraryFrom(c), after, int(limit))
	if err != nil {
		h.respondServiceError(c, "failed to list operations", err)
		return
	}
	response := listOperationsResponsePayload{
		Operations: make([]operationRecordPayload, 0, len(records)),
		Cursor:     after,
	}
	for _, record := range records {
		response.Operations = append(response.Operations, operationRecordPayload{
			Sequence:  record.Sequence,
			Operation: record.Payload,
		})
		response.Cursor = record.Sequence
	}
	c.JSON(http.StatusOK, response)
}

func parseInt64Query(c *gin.Context, name string) (int64, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

type presenceRequestPayload struct {
	ActiveCell *presence.Cell   `json:"active_cell"`
	Cursor     *presence.Cursor `json:"cursor"`
}

// handlePresence relays the caller's presence to every stream of the library. Identity fields always come from the
// session, never from the body.
func (h *httpHandler) handlePresence(c *gin.Context) {
	var request presenceRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	identity := identityFrom(c)
	record := presence.Record{
		UserID:       identity.UserID,
		LibraryID:    libraryFrom(c),
		DisplayName:  identity.DisplayName,
		Email:        identity.Email,
		AvatarColor:  presence.AvatarColor(identity.DisplayName, identity.UserID),
		ActiveCell:   request.ActiveCell,
		Cursor:       request.Cursor,
		Status:       presence.StatusOnline,
		LastActivity: h.clock().UTC(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		h.logger.Error("failed to encode presence", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_failed"})
		return
	}
	h.publish(c, events.TypePresence, nil, data)
	c.JSON(http.StatusAccepted, record)
}

func (h *httpHandler) publish(c *gin.Context, eventType string, rowIDs []string, data json.RawMessage) {
	libraryID := libraryFrom(c)
	h.bus.Publish(events.Event{
		Topic:     events.LibraryTopic(libraryID),
		Type:      eventType,
		LibraryID: libraryID.String(),
		RowIDs:    rowIDs,
		ClientID:  strings.TrimSpace(c.GetHeader(clientIDHeader)),
		Data:      data,
		Timestamp: h.clock().UTC(),
	})
}

func (h *httpHandler) respondServiceError(c *gin.Context, message string, err error) {
	var serviceErr *library.ServiceError
	code := ""
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	switch {
	case errors.Is(err, library.ErrRowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "row_not_found"})
	case errors.Is(err, library.ErrInvalidValue),
		errors.Is(err, library.ErrInvalidRowID),
		errors.Is(err, library.ErrInvalidOperationCursor),
		errors.Is(err, library.ErrInvalidOperationPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": code})
	default:
		h.logger.Error(message, zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
