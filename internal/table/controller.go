// Package table composes the replicated document, durable replica, request cache, presence tracker and selection
// engine into the editable asset grid of one library.
package table

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/events"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/library"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/replica"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/selection"
)

var (
	// ErrReadOnly indicates that the caller's role may not issue mutations.
	ErrReadOnly = errors.New("table: read-only role")

	errMissingBackend  = errors.New("row backend is required")
	errMissingReplicas = errors.New("replica store is required")
	errMissingCache    = errors.New("request cache is required")
	errMissingBus      = errors.New("event bus is required")
	errMissingCaller   = errors.New("caller identity is required")
)

const (
	seedClientPrefix = "seed:"
	pullBatchSize    = 500
)

// RowBackend is the relational store that holds the authoritative rows.
type RowBackend interface {
	ListRows(ctx context.Context, caller library.Caller, libraryID library.LibraryID) ([]library.StoredRow, error)
	InsertRow(ctx context.Context, caller library.Caller, libraryID library.LibraryID, row library.Row) (library.StoredRow, error)
	UpdateRow(ctx context.Context, caller library.Caller, libraryID library.LibraryID, rowID library.RowID, patch map[library.PropertyKey]library.Value) (library.StoredRow, error)
	DeleteRow(ctx context.Context, caller library.Caller, libraryID library.LibraryID, rowID library.RowID) (library.StoredRow, error)
}

// OperationRelay forwards document operations between clients of one library.
type OperationRelay interface {
	AppendOperations(ctx context.Context, caller library.Caller, libraryID library.LibraryID, payloads []library.OperationPayload) ([]library.OperationOutcome, error)
	ListOperations(ctx context.Context, caller library.Caller, libraryID library.LibraryID, afterSequence int64, limit int) ([]library.OperationRecord, error)
}

// Config describes the dependencies of a Controller.
type Config struct {
	LibraryID       library.LibraryID
	Caller          library.Caller
	Identity        presence.Identity
	PropertyKeys    []library.PropertyKey
	Backend         RowBackend
	Relay           OperationRelay
	Replicas        *replica.Store
	Cache           *cache.Cache[[]library.StoredRow]
	Bus             *events.Bus
	IDs             library.IDProvider
	Clock           func() time.Time
	PresenceTimeout time.Duration
	Logger          *zap.Logger
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Pushed int
	RowIDs []library.RowID
	Rows   []library.StoredRow
}

// Controller is the coordination point of one open library table.
type Controller struct {
	libraryID    library.LibraryID
	caller       library.Caller
	propertyKeys []library.PropertyKey
	backend      RowBackend
	relay        OperationRelay
	cache        *cache.Cache[[]library.StoredRow]
	bus          *events.Bus
	ids          library.IDProvider
	clock        func() time.Time
	logger       *zap.Logger

	document  *crdt.Document
	replica   *replica.Handle
	presence  *presence.Tracker
	selection *selection.Engine

	opMu       sync.Mutex
	pullMu     sync.Mutex
	mu         sync.Mutex
	eventType  string
	pullCursor int64
	closers    []func()
	closed     bool
}

// Open builds the controller. Persisted replica state is replayed before anything else; an empty replica is seeded
// from the backend through the cache. A failing backend leaves the table empty rather than failing the open.
func Open(ctx context.Context, cfg Config) (*Controller, error) {
	switch {
	case cfg.Backend == nil:
		return nil, errMissingBackend
	case cfg.Replicas == nil:
		return nil, errMissingReplicas
	case cfg.Cache == nil:
		return nil, errMissingCache
	case cfg.Bus == nil:
		return nil, errMissingBus
	case cfg.Caller.UserID == "":
		return nil, errMissingCaller
	}
	if _, err := library.NewLibraryID(cfg.LibraryID.String()); err != nil {
		return nil, err
	}
	ids := cfg.IDs
	if ids == nil {
		ids = library.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clientID, err := ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("table: client id: %w", err)
	}

	c := &Controller{
		libraryID:    cfg.LibraryID,
		caller:       cfg.Caller,
		propertyKeys: append([]library.PropertyKey(nil), cfg.PropertyKeys...),
		backend:      cfg.Backend,
		relay:        cfg.Relay,
		cache:        cfg.Cache,
		bus:          cfg.Bus,
		ids:          ids,
		clock:        clock,
		logger:       logger.With(zap.String("library_id", cfg.LibraryID.String()), zap.String("client_id", clientID)),
		document:     crdt.NewDocument(clientID),
	}

	handle, err := cfg.Replicas.Open(ctx, cfg.LibraryID, c.document)
	if err != nil {
		return nil, err
	}
	c.replica = handle
	if handle.Degraded() {
		c.logger.Warn("table opened in degraded mode", zap.Error(handle.Err()))
	}
	cursor, err := handle.RelayCursor(ctx)
	if err != nil {
		c.logger.Warn("relay cursor unavailable, pulling from the start", zap.Error(err))
	}
	c.pullCursor = cursor

	identity := cfg.Identity
	if identity.UserID == "" {
		identity.UserID = cfg.Caller.UserID
	}
	tracker, err := presence.NewTracker(presence.Config{
		LibraryID:   cfg.LibraryID,
		Local:       identity,
		Broadcaster: busBroadcaster{bus: cfg.Bus, libraryID: cfg.LibraryID, clientID: clientID},
		Clock:       clock,
		Timeout:     cfg.PresenceTimeout,
		Logger:      logger,
	})
	if err != nil {
		handle.Close()
		return nil, err
	}
	c.presence = tracker
	c.selection = selection.NewEngine(c)

	c.closers = append(c.closers,
		c.document.Observe(c.onChange),
		cfg.Bus.Listen(events.LibraryTopic(cfg.LibraryID), c.onBusEvent),
		cfg.Cache.Subscribe(cfg.LibraryID.AssetsCacheKey(), c.onCacheEvent),
	)

	if len(c.document.Operations()) == 0 {
		c.catchUp(ctx)
		c.seed(ctx)
	}
	return c, nil
}

// catchUp drains the relay so rows other clients already inserted are not seeded a second time.
func (c *Controller) catchUp(ctx context.Context) {
	for {
		read, err := c.Pull(ctx)
		if err != nil {
			c.logger.Warn("relay catch-up failed", zap.Error(err))
			return
		}
		if read < pullBatchSize {
			return
		}
	}
}

func (c *Controller) seed(ctx context.Context) {
	key := c.libraryID.AssetsCacheKey()
	rows, err := c.cache.Fetch(ctx, key, func(loadCtx context.Context) ([]library.StoredRow, error) {
		return c.backend.ListRows(loadCtx, c.caller, c.libraryID)
	})
	if err != nil {
		c.logger.Warn("seeding from backend failed, starting empty", zap.Error(err))
		return
	}
	var ops []crdt.Op
	for _, op := range SeedOperations(rows) {
		if c.document.Has(op.RowID) {
			continue
		}
		ops = append(ops, op)
	}
	if err := c.document.Apply(crdt.OriginRemote, ops...); err != nil {
		c.logger.Warn("seed operations rejected", zap.Error(err))
	}
}

// SeedOperations turns backend rows into insert ops whose ids depend only on the row, its version and its
// position, so every client seeding the same rows produces the same ops. Every seed op carries counter 1: any op a
// client authors after seeding outranks the seeded values, while the zero-padded position keeps each insert after
// its anchor.
func SeedOperations(rows []library.StoredRow) []crdt.Op {
	ops := make([]crdt.Op, 0, len(rows))
	var previous crdt.OpID
	for index, stored := range rows {
		id := crdt.OpID{
			Counter:  1,
			ClientID: fmt.Sprintf("%s%010d:%s:v%d", seedClientPrefix, index+1, stored.Row.ID, stored.Version),
		}
		fields := make(map[library.PropertyKey]library.Value, len(stored.Row.Fields))
		for key, value := range stored.Row.Fields {
			if !value.IsNull() {
				fields[key] = value.Clone()
			}
		}
		ops = append(ops, crdt.Op{ID: id, Kind: crdt.OpInsert, RowID: stored.Row.ID, After: previous, Fields: fields})
		previous = id
	}
	return ops
}

// RowIDs returns the visible row order.
func (c *Controller) RowIDs() []library.RowID {
	return c.document.RowIDs()
}

// PropertyKeys returns the configured columns followed by any other key present in the rows, sorted.
func (c *Controller) PropertyKeys() []library.PropertyKey {
	keys := append([]library.PropertyKey(nil), c.propertyKeys...)
	known := make(map[library.PropertyKey]struct{}, len(keys))
	for _, key := range keys {
		known[key] = struct{}{}
	}
	var extra []library.PropertyKey
	for _, row := range c.document.Snapshot() {
		for key := range row.Fields {
			if _, ok := known[key]; ok {
				continue
			}
			known[key] = struct{}{}
			extra = append(extra, key)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(keys, extra...)
}

// Rows returns the visible rows.
func (c *Controller) Rows() []library.Row {
	return c.document.Snapshot()
}

// Row returns one visible row.
func (c *Controller) Row(rowID library.RowID) (library.Row, bool) {
	return c.document.Row(rowID)
}

// ClientID returns the id stamped on this controller's ops.
func (c *Controller) ClientID() string {
	return c.document.ClientID()
}

// Degraded reports whether the local replica lost or failed to persist data.
func (c *Controller) Degraded() bool {
	return c.replica.Degraded()
}

// Synced reports whether the local replica is replayed and attached.
func (c *Controller) Synced() bool {
	return c.replica.Synced()
}

// Selection exposes the selection engine for pointer gestures.
func (c *Controller) Selection() *selection.Engine {
	return c.selection
}

// CanEdit reports whether mutations are enabled for the caller.
func (c *Controller) CanEdit() bool {
	return c.caller.Role.CanEdit()
}

func (c *Controller) mutate(eventType string, fn func() error) error {
	if !c.CanEdit() {
		return fmt.Errorf("%w: %s", ErrReadOnly, c.caller.Role)
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	c.eventType = eventType
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.eventType = ""
		c.mu.Unlock()
	}()
	return fn()
}

// InsertRow inserts a new row with a fresh id at index.
func (c *Controller) InsertRow(index int, fields map[library.PropertyKey]library.Value) (library.Row, error) {
	var inserted library.Row
	err := c.mutate(events.TypeRowCreated, func() error {
		rowID, err := library.NewRowIDFrom(c.ids)
		if err != nil {
			return err
		}
		inserted = library.Row{ID: rowID, Fields: fields}
		_, err = c.document.InsertRow(index, inserted)
		return err
	})
	if err != nil {
		return library.Row{}, err
	}
	row, _ := c.document.Row(inserted.ID)
	return row, nil
}

// DeleteRow tombstones a row.
func (c *Controller) DeleteRow(rowID library.RowID) error {
	return c.mutate(events.TypeRowDeleted, func() error {
		_, err := c.document.DeleteRow(rowID)
		return err
	})
}

// UpdateField writes one cell.
func (c *Controller) UpdateField(rowID library.RowID, key library.PropertyKey, value library.Value) error {
	return c.mutate(events.TypeFieldUpdated, func() error {
		_, err := c.document.UpdateField(rowID, key, value)
		return err
	})
}

// Paste resolves the clipboard at target as one change.
func (c *Controller) Paste(target selection.Cell) ([]crdt.Op, error) {
	var ops []crdt.Op
	err := c.mutate(events.TypeRowsPasted, func() error {
		var err error
		ops, err = c.selection.Paste(target, c.document)
		return err
	})
	return ops, err
}

// Fill resolves the current drag-to-fill as one change.
func (c *Controller) Fill() ([]crdt.Op, error) {
	var ops []crdt.Op
	err := c.mutate(events.TypeRowsFilled, func() error {
		var err error
		ops, err = c.selection.EndFill(c.document)
		return err
	})
	return ops, err
}

// ApplyRemote merges ops authored by other clients.
func (c *Controller) ApplyRemote(ops ...crdt.Op) error {
	return c.document.Apply(crdt.OriginRemote, ops...)
}

func (c *Controller) onChange(change crdt.Change) {
	c.selection.GridChanged()
	if change.Origin != crdt.OriginLocal {
		return
	}
	c.mu.Lock()
	eventType := c.eventType
	c.mu.Unlock()
	if eventType == "" {
		eventType = classify(change)
	}
	c.publish(eventType, change.RowIDs(), nil)
}

func classify(change crdt.Change) string {
	switch {
	case len(change.Inserted) > 0 && len(change.Removed) == 0 && len(change.Updated) == 0:
		return events.TypeRowCreated
	case len(change.Removed) > 0 && len(change.Inserted) == 0 && len(change.Updated) == 0:
		return events.TypeRowDeleted
	case len(change.Updated) > 0 && len(change.Inserted) == 0 && len(change.Removed) == 0:
		return events.TypeFieldUpdated
	default:
		return events.TypeRowsChanged
	}
}

func (c *Controller) publish(eventType string, rowIDs []library.RowID, data json.RawMessage) {
	ids := make([]string, 0, len(rowIDs))
	for _, id := range rowIDs {
		ids = append(ids, id.String())
	}
	c.bus.Publish(events.Event{
		Topic:     events.LibraryTopic(c.libraryID),
		Type:      eventType,
		LibraryID: c.libraryID.String(),
		RowIDs:    ids,
		ClientID:  c.ClientID(),
		Data:      data,
		Timestamp: c.clock().UTC(),
	})
}

func (c *Controller) onCacheEvent(event cache.Event[[]library.StoredRow]) {
	if event.Kind == cache.EventRolledBack {
		c.logger.Debug("asset cache rolled back", zap.String("key", event.Key), zap.Int("rows", len(event.Value)))
	}
}

// onBusEvent reacts to what other clients and views publish on the library topic.
func (c *Controller) onBusEvent(event events.Event) {
	if event.ClientID == c.ClientID() {
		return
	}
	switch event.Type {
	case events.TypePresence:
		var record presence.Record
		if err := json.Unmarshal(event.Data, &record); err != nil {
			c.logger.Debug("presence payload ignored", zap.Error(err))
			return
		}
		c.presence.Receive(record)
	case events.TypeLibraryReconciled:
		c.cache.Invalidate(c.libraryID.AssetsCacheKey())
	}
}

// Reconcile pushes the locally authored ops that the backend has not seen. The backend receives the current
// visible state of each touched row, so later remote ops that won a field are respected. On success the ops are
// marked reconciled and exactly one library-reconciled event is published; on failure the replica is untouched and
// the retryable cache error is returned.
func (c *Controller) Reconcile(ctx context.Context) (ReconcileResult, error) {
	if !c.CanEdit() {
		return ReconcileResult{}, fmt.Errorf("%w: %s", ErrReadOnly, c.caller.Role)
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	pending, err := c.replica.PendingOperations(ctx)
	if err != nil {
		return ReconcileResult{}, err
	}
	if len(pending) == 0 {
		return ReconcileResult{}, nil
	}

	rows, err := c.cache.Mutate(ctx, c.libraryID.AssetsCacheKey(),
		func([]library.StoredRow, bool) []library.StoredRow { return c.optimisticRows() },
		func(remoteCtx context.Context, _ []library.StoredRow) ([]library.StoredRow, error) {
			if err := c.push(remoteCtx, pending); err != nil {
				return nil, err
			}
			return c.backend.ListRows(remoteCtx, c.caller, c.libraryID)
		})
	if err != nil {
		c.logger.Warn("reconcile failed", zap.Int("pending", len(pending)), zap.Error(err))
		return ReconcileResult{}, err
	}

	opIDs := make([]crdt.OpID, 0, len(pending))
	touched := make([]library.RowID, 0, len(pending))
	seen := make(map[library.RowID]struct{}, len(pending))
	for _, op := range pending {
		opIDs = append(opIDs, op.ID)
		if _, ok := seen[op.RowID]; !ok {
			seen[op.RowID] = struct{}{}
			touched = append(touched, op.RowID)
		}
	}
	if err := c.replica.MarkReconciled(ctx, opIDs); err != nil {
		return ReconcileResult{}, err
	}
	c.publish(events.TypeLibraryReconciled, touched, nil)
	c.logger.Info("library reconciled", zap.Int("pushed", len(pending)))
	return ReconcileResult{Pushed: len(pending), RowIDs: touched, Rows: rows}, nil
}

func (c *Controller) optimisticRows() []library.StoredRow {
	snapshot := c.document.Snapshot()
	rows := make([]library.StoredRow, 0, len(snapshot))
	for index, row := range snapshot {
		rows = append(rows, library.StoredRow{Row: row, Position: int64(index + 1)})
	}
	return rows
}

func (c *Controller) push(ctx context.Context, ops []crdt.Op) error {
	for _, op := range ops {
		var err error
		switch op.Kind {
		case crdt.OpInsert:
			row, alive := c.document.Row(op.RowID)
			if !alive {
				continue
			}
			_, err = c.backend.InsertRow(ctx, c.caller, c.libraryID, row)
		case crdt.OpDelete:
			if _, alive := c.document.Row(op.RowID); alive {
				continue
			}
			_, err = c.backend.DeleteRow(ctx, c.caller, c.libraryID, op.RowID)
		case crdt.OpUpdate:
			if _, alive := c.document.Row(op.RowID); !alive {
				continue
			}
			value, ok := c.document.Value(op.RowID, op.Key)
			if !ok {
				value = library.NullValue()
			}
			_, err = c.backend.UpdateRow(ctx, c.caller, c.libraryID, op.RowID, map[library.PropertyKey]library.Value{op.Key: value})
		}
		if errors.Is(err, library.ErrRowNotFound) {
			continue
		}
		if err != nil {
			return err
		}
	}
	return c.relayOperations(ctx, ops)
}

func (c *Controller) relayOperations(ctx context.Context, ops []crdt.Op) error {
	if c.relay == nil {
		return nil
	}
	payloads := make([]library.OperationPayload, 0, len(ops))
	for _, op := range ops {
		raw, err := json.Marshal(op)
		if err != nil {
			return err
		}
		payload, err := library.NewOperationPayload(raw)
		if err != nil {
			return err
		}
		payloads = append(payloads, payload)
	}
	_, err := c.relay.AppendOperations(ctx, c.caller, c.libraryID, payloads)
	return err
}

// Pull applies ops relayed by other clients since the last pull and returns how many records were read. Records
// that do not decode into a valid op are logged and skipped so one bad entry cannot stall the log. The cursor is
// stored in the replica, so a reopened table resumes where it stopped.
func (c *Controller) Pull(ctx context.Context) (int, error) {
	if c.relay == nil {
		return 0, nil
	}
	c.pullMu.Lock()
	defer c.pullMu.Unlock()
	c.mu.Lock()
	cursor := c.pullCursor
	c.mu.Unlock()

	records, err := c.relay.ListOperations(ctx, c.caller, c.libraryID, cursor, pullBatchSize)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	ops := make([]crdt.Op, 0, len(records))
	for _, record := range records {
		var op crdt.Op
		if err := json.Unmarshal(record.Payload, &op); err != nil {
			c.logger.Warn("relayed op ignored", zap.Int64("sequence", record.Sequence), zap.Error(err))
			continue
		}
		if err := op.Validate(); err != nil {
			c.logger.Warn("relayed op ignored", zap.Int64("sequence", record.Sequence), zap.Error(err))
			continue
		}
		ops = append(ops, op)
	}
	if err := c.ApplyRemote(ops...); err != nil {
		return 0, err
	}
	cursor = records[len(records)-1].Sequence
	c.mu.Lock()
	c.pullCursor = cursor
	c.mu.Unlock()
	if err := c.replica.SaveRelayCursor(ctx, cursor); err != nil {
		c.logger.Warn("relay cursor not saved", zap.Int64("sequence", cursor), zap.Error(err))
	}
	return len(records), nil
}

// Compact folds the reconciled part of the local replica into a snapshot.
func (c *Controller) Compact(ctx context.Context) error {
	return c.replica.Compact(ctx)
}

// Focus marks cell as the local user's active cell.
func (c *Controller) Focus(ctx context.Context, cell presence.Cell, cursor *presence.Cursor) error {
	return c.presence.Focus(ctx, cell, cursor)
}

// Blur clears the local user's active cell.
func (c *Controller) Blur(ctx context.Context) error {
	return c.presence.Blur(ctx)
}

// MoveCursor broadcasts a throttled cursor move.
func (c *Controller) MoveCursor(ctx context.Context, cursor presence.Cursor) (bool, error) {
	return c.presence.MoveCursor(ctx, cursor)
}

// ReceivePresence stores a collaborator record delivered outside the bus.
func (c *Controller) ReceivePresence(record presence.Record) bool {
	return c.presence.Receive(record)
}

// Collaborators returns the other users with their computed status.
func (c *Controller) Collaborators() []presence.Record {
	c.presence.Prune()
	return c.presence.Records()
}

// EditorsOf returns the collaborators currently on cell.
func (c *Controller) EditorsOf(cell presence.Cell) []presence.Record {
	return c.presence.EditorsOf(cell)
}

// Close detaches the document and the replica. Persisted data is kept.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	for _, closer := range closers {
		closer()
	}
	c.presence.Stop()
	c.replica.Close()
	c.document.Detach()
}

type busBroadcaster struct {
	bus       *events.Bus
	libraryID library.LibraryID
	clientID  string
}

func (b busBroadcaster) BroadcastPresence(_ context.Context, record presence.Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	b.bus.Publish(events.Event{
		Topic:     events.LibraryTopic(b.libraryID),
		Type:      events.TypePresence,
		LibraryID: b.libraryID.String(),
		ClientID:  b.clientID,
		Data:      payload,
		Timestamp: record.LastActivity,
	})
	return nil
}
