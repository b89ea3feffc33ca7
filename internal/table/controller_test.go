package table

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/events"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/library"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/replica"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/selection"
)

const testLibrary = library.LibraryID("lib-assets")

var (
	editor     = library.Caller{UserID: "user-a", Role: library.RoleEditor}
	colleague  = library.Caller{UserID: "user-b", Role: library.RoleAdmin}
	viewer     = library.Caller{UserID: "user-v", Role: library.RoleViewer}
	columnKeys = []library.PropertyKey{"name", "category", "status", "notes"}
)

// environment is the shared server side: backend rows, the op relay and the event bus.
type environment struct {
	db      *gorm.DB
	service *library.Service
	bus     *events.Bus
	backend *switchableBackend
	clock   func() time.Time
}

// device is one client machine with its own local replica and request cache.
type device struct {
	replicas *replica.Store
	cache    *cache.Cache[[]library.StoredRow]
}

// switchableBackend simulates losing the network in front of the real service.
type switchableBackend struct {
	RowBackend
	mu      sync.Mutex
	offline bool
	calls   int
}

var errOffline = errors.New("network unreachable")

func (b *switchableBackend) setOffline(offline bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline = offline
}

func (b *switchableBackend) check() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.offline {
		return errOffline
	}
	return nil
}

func (b *switchableBackend) ListRows(ctx context.Context, caller library.Caller, libraryID library.LibraryID) ([]library.StoredRow, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.RowBackend.ListRows(ctx, caller, libraryID)
}

func (b *switchableBackend) InsertRow(ctx context.Context, caller library.Caller, libraryID library.LibraryID, row library.Row) (library.StoredRow, error) {
	if err := b.check(); err != nil {
		return library.StoredRow{}, err
	}
	return b.RowBackend.InsertRow(ctx, caller, libraryID, row)
}

func (b *switchableBackend) UpdateRow(ctx context.Context, caller library.Caller, libraryID library.LibraryID, rowID library.RowID, patch map[library.PropertyKey]library.Value) (library.StoredRow, error) {
	if err := b.check(); err != nil {
		return library.StoredRow{}, err
	}
	return b.RowBackend.UpdateRow(ctx, caller, libraryID, rowID, patch)
}

func (b *switchableBackend) DeleteRow(ctx context.Context, caller library.Caller, libraryID library.LibraryID, rowID library.RowID) (library.StoredRow, error) {
	if err := b.check(); err != nil {
		return library.StoredRow{}, err
	}
	return b.RowBackend.DeleteRow(ctx, caller, libraryID, rowID)
}

func newEnvironment(t *testing.T) *environment {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "assetgrid.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&library.AssetRow{}, &library.LibraryOperation{}))

	clock := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	service, err := library.NewService(library.ServiceConfig{Database: db, Clock: clock})
	require.NoError(t, err)
	return &environment{
		db:      db,
		service: service,
		bus:     events.NewBus(),
		backend: &switchableBackend{RowBackend: service},
		clock:   clock,
	}
}

func (env *environment) newDevice(t *testing.T) *device {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "replica.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&replica.OperationRecord{}, &replica.SnapshotRecord{}, &replica.CursorRecord{}))
	replicas, err := replica.NewStore(replica.Config{Database: db, Clock: env.clock})
	require.NoError(t, err)
	return &device{replicas: replicas, cache: cache.New[[]library.StoredRow](cache.Config{Clock: env.clock})}
}

// open starts caller's table on a fresh device.
func (env *environment) open(t *testing.T, caller library.Caller) *Controller {
	t.Helper()
	return env.openOn(t, env.newDevice(t), caller)
}

func (env *environment) openOn(t *testing.T, dev *device, caller library.Caller) *Controller {
	t.Helper()
	controller, err := Open(context.Background(), Config{
		LibraryID:    testLibrary,
		Caller:       caller,
		Identity:     presence.Identity{UserID: caller.UserID, DisplayName: caller.UserID},
		PropertyKeys: columnKeys,
		Backend:      env.backend,
		Relay:        env.service,
		Replicas:     dev.replicas,
		Cache:        dev.cache,
		Bus:          env.bus,
	})
	require.NoError(t, err)
	t.Cleanup(controller.Close)
	return controller
}

func (env *environment) seedBackend(t *testing.T, names ...string) []library.RowID {
	t.Helper()
	ids := make([]library.RowID, 0, len(names))
	for _, name := range names {
		rowID := library.RowID("row-" + name)
		_, err := env.service.InsertRow(context.Background(), editor, testLibrary, library.Row{
			ID:     rowID,
			Fields: map[library.PropertyKey]library.Value{"name": library.TextValue(name)},
		})
		require.NoError(t, err)
		ids = append(ids, rowID)
	}
	return ids
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func listen(env *environment) *eventLog {
	log := &eventLog{}
	env.bus.Listen(events.LibraryTopic(testLibrary), func(event events.Event) {
		log.mu.Lock()
		defer log.mu.Unlock()
		log.events = append(log.events, event)
	})
	return log
}

func (l *eventLog) ofType(eventType string) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var matched []events.Event
	for _, event := range l.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func (l *eventLog) changes() []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var matched []events.Event
	for _, event := range l.events {
		if event.Type != events.TypePresence {
			matched = append(matched, event)
		}
	}
	return matched
}

func TestOpenValidatesConfig(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	require.ErrorIs(t, err, errMissingBackend)
}

func TestOpenSeedsIdenticallyOnEveryClient(t *testing.T) {
	env := newEnvironment(t)
	ids := env.seedBackend(t, "lamp", "desk", "chair")

	first := env.open(t, editor)
	second := env.open(t, colleague)

	assert.Equal(t, ids, first.RowIDs())
	assert.Equal(t, first.Rows(), second.Rows())
	assert.True(t, first.Synced())
	assert.False(t, first.Degraded())
	assert.Equal(t, 2, env.backend.calls)
	assert.Equal(t, first.document.Operations(), second.document.Operations())
}

func mustList(t *testing.T, env *environment) []library.StoredRow {
	t.Helper()
	rows, err := env.service.ListRows(context.Background(), editor, testLibrary)
	require.NoError(t, err)
	return rows
}

func TestViewerCannotMutate(t *testing.T) {
	env := newEnvironment(t)
	ids := env.seedBackend(t, "lamp")
	controller := env.open(t, viewer)
	log := listen(env)

	_, err := controller.InsertRow(0, nil)
	require.ErrorIs(t, err, ErrReadOnly)
	require.ErrorIs(t, controller.UpdateField(ids[0], "name", library.TextValue("x")), ErrReadOnly)
	require.ErrorIs(t, controller.DeleteRow(ids[0]), ErrReadOnly)
	_, err = controller.Paste(selection.Cell{RowID: ids[0], Key: "name"})
	require.ErrorIs(t, err, ErrReadOnly)
	_, err = controller.Reconcile(context.Background())
	require.ErrorIs(t, err, ErrReadOnly)

	assert.False(t, controller.CanEdit())
	assert.Empty(t, log.changes())
	pending, err := controller.replica.PendingOperations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEachMutationEmitsOneEvent(t *testing.T) {
	env := newEnvironment(t)
	env.seedBackend(t, "lamp")
	controller := env.open(t, editor)
	log := listen(env)

	row, err := controller.InsertRow(1, map[library.PropertyKey]library.Value{"name": library.TextValue("rug")})
	require.NoError(t, err)
	require.NoError(t, controller.UpdateField(row.ID, "status", library.TextValue("draft")))
	require.NoError(t, controller.DeleteRow(row.ID))

	changes := log.changes()
	require.Len(t, changes, 3)
	assert.Equal(t, events.TypeRowCreated, changes[0].Type)
	assert.Equal(t, events.TypeFieldUpdated, changes[1].Type)
	assert.Equal(t, events.TypeRowDeleted, changes[2].Type)
	assert.Equal(t, []string{row.ID.String()}, changes[2].RowIDs)
	assert.Equal(t, controller.ClientID(), changes[0].ClientID)
}

func TestCutPasteThroughControllerEmitsSingleEvent(t *testing.T) {
	env := newEnvironment(t)
	ids := env.seedBackend(t, "r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7", "r8")
	controller := env.open(t, editor)
	for _, id := range ids[2:5] {
		require.NoError(t, controller.UpdateField(id, "status", library.TextValue("status-"+id.String())))
	}
	log := listen(env)

	engine := controller.Selection()
	require.NoError(t, engine.PointerDown(selection.Cell{RowID: ids[2], Key: "name"}))
	require.NoError(t, engine.PointerUp(selection.Cell{RowID: ids[4], Key: "status"}))
	require.NoError(t, engine.Cut())
	require.NoError(t, engine.PointerDown(selection.Cell{RowID: ids[6], Key: "name"}))
	require.NoError(t, engine.PointerUp(selection.Cell{RowID: ids[6], Key: "name"}))
	_, err := controller.Paste(selection.Cell{RowID: ids[6], Key: "name"})
	require.NoError(t, err)

	changes := log.changes()
	require.Len(t, changes, 1)
	assert.Equal(t, events.TypeRowsPasted, changes[0].Type)

	for offset := 0; offset < 3; offset++ {
		moved, ok := controller.Row(ids[6+offset])
		require.True(t, ok)
		assert.Equal(t, "r"+string(rune('2'+offset)), moved.Fields["name"].Text)
		assert.Equal(t, "status-"+ids[2+offset].String(), moved.Fields["status"].Text)

		source, ok := controller.Row(ids[2+offset])
		require.True(t, ok)
		assert.NotContains(t, source.Fields, library.PropertyKey("name"))
		assert.NotContains(t, source.Fields, library.PropertyKey("status"))
	}
}

func TestOfflineEditsReconcileAfterReconnect(t *testing.T) {
	env := newEnvironment(t)
	ids := env.seedBackend(t, "lamp")
	controller := env.open(t, editor)
	log := listen(env)

	env.backend.setOffline(true)
	require.NoError(t, controller.UpdateField(ids[0], "name", library.TextValue("floor lamp")))
	require.NoError(t, controller.UpdateField(ids[0], "status", library.TextValue("approved")))
	require.NoError(t, controller.UpdateField(ids[0], "notes", library.TextValue("brass")))

	pending, err := controller.replica.PendingOperations(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 3)

	_, err = controller.Reconcile(context.Background())
	require.ErrorIs(t, err, cache.ErrRemoteMutationFailed)
	require.ErrorIs(t, err, errOffline)
	pending, err = controller.replica.PendingOperations(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 3)
	assert.Empty(t, log.ofType(events.TypeLibraryReconciled))
	row, _ := controller.Row(ids[0])
	assert.Equal(t, "floor lamp", row.Fields["name"].Text)

	env.backend.setOffline(false)
	result, err := controller.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Pushed)
	assert.Equal(t, []library.RowID{ids[0]}, result.RowIDs)

	pending, err = controller.replica.PendingOperations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
	require.Len(t, log.ofType(events.TypeLibraryReconciled), 1)

	stored := mustList(t, env)
	require.Len(t, stored, 1)
	assert.Equal(t, "floor lamp", stored[0].Row.Fields["name"].Text)
	assert.Equal(t, "approved", stored[0].Row.Fields["status"].Text)
	assert.Equal(t, "brass", stored[0].Row.Fields["notes"].Text)

	cached, ok := controller.cache.Peek(testLibrary.AssetsCacheKey())
	require.True(t, ok)
	assert.Equal(t, stored, cached)

	result, err = controller.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Pushed)
	assert.Len(t, log.ofType(events.TypeLibraryReconciled), 1)
}

func TestReopenRestoresOfflineWorkBeforeSeeding(t *testing.T) {
	env := newEnvironment(t)
	ids := env.seedBackend(t, "lamp")
	laptop := env.newDevice(t)
	controller := env.openOn(t, laptop, editor)
	env.backend.setOffline(true)
	require.NoError(t, controller.UpdateField(ids[0], "name", library.TextValue("offline edit")))
	controller.Close()

	reopened := env.openOn(t, laptop, editor)
	row, ok := reopened.Row(ids[0])
	require.True(t, ok)
	assert.Equal(t, "offline edit", row.Fields["name"].Text)

	pending, err := reopened.replica.PendingOperations(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestOpenWhileOfflineStartsEmpty(t *testing.T) {
	env := newEnvironment(t)
	env.seedBackend(t, "lamp")
	env.backend.setOffline(true)

	controller := env.open(t, editor)
	assert.Empty(t, controller.Rows())
	assert.True(t, controller.Synced())
}

func TestReconciledEventInvalidatesOtherViews(t *testing.T) {
	env := newEnvironment(t)
	ids := env.seedBackend(t, "lamp")
	writer := env.open(t, editor)
	reader := env.open(t, colleague)

	var invalidations int
	reader.cache.Subscribe(testLibrary.AssetsCacheKey(), func(event cache.Event[[]library.StoredRow]) {
		if event.Kind == cache.EventInvalidated {
			invalidations++
		}
	})

	require.NoError(t, writer.UpdateField(ids[0], "status", library.TextValue("approved")))
	_, err := writer.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, invalidations)
}

func TestRelayedOperationsReachOtherClients(t *testing.T) {
	env := newEnvironment(t)
	ids := env.seedBackend(t, "lamp")
	writer := env.open(t, editor)
	reader := env.open(t, colleague)

	require.NoError(t, writer.UpdateField(ids[0], "status", library.TextValue("approved")))
	_, err := writer.Reconcile(context.Background())
	require.NoError(t, err)

	pulled, err := reader.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pulled)
	row, ok := reader.Row(ids[0])
	require.True(t, ok)
	assert.Equal(t, "approved", row.Fields["status"].Text)

	pulled, err = reader.Pull(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pulled)
}

func TestPresenceTravelsOverTheBus(t *testing.T) {
	env := newEnvironment(t)
	ids := env.seedBackend(t, "lamp")
	first := env.open(t, editor)
	second := env.open(t, colleague)

	cell := presence.Cell{RowID: ids[0], Key: "name"}
	require.NoError(t, first.Focus(context.Background(), cell, &presence.Cursor{X: 4, Y: 8}))

	editors := second.EditorsOf(cell)
	require.Len(t, editors, 1)
	assert.Equal(t, editor.UserID, editors[0].UserID)
	assert.Empty(t, first.EditorsOf(cell))

	require.NoError(t, first.Blur(context.Background()))
	assert.Empty(t, second.EditorsOf(cell))
	collaborators := second.Collaborators()
	require.Len(t, collaborators, 1)
	assert.Equal(t, presence.StatusOnline, collaborators[0].Status)
}

func TestFillThroughControllerEmitsSingleEvent(t *testing.T) {
	env := newEnvironment(t)
	ids := env.seedBackend(t, "a", "b", "c", "d")
	controller := env.open(t, editor)
	require.NoError(t, controller.UpdateField(ids[0], "status", library.TextValue("approved")))
	log := listen(env)

	engine := controller.Selection()
	origin := selection.Cell{RowID: ids[0], Key: "status"}
	require.NoError(t, engine.PointerDown(origin))
	require.NoError(t, engine.PointerUp(origin))
	require.NoError(t, engine.BeginFill(origin, 118, 30, 120, 32))
	require.NoError(t, engine.PointerUp(selection.Cell{RowID: ids[3], Key: "status"}))

	ops, err := controller.Fill()
	require.NoError(t, err)
	assert.Len(t, ops, 3)
	changes := log.changes()
	require.Len(t, changes, 1)
	assert.Equal(t, events.TypeRowsFilled, changes[0].Type)
	assert.Len(t, changes[0].RowIDs, 3)
}

func TestSeedOperationsAreDeterministic(t *testing.T) {
	rows := []library.StoredRow{
		{Row: library.Row{ID: "row-a", Fields: map[library.PropertyKey]library.Value{"name": library.TextValue("a"), "notes": library.NullValue()}}, Version: 2},
		{Row: library.Row{ID: "row-b"}, Version: 1},
	}
	first := SeedOperations(rows)
	second := SeedOperations(rows)
	require.Len(t, first, 2)
	assert.Equal(t, first, second)
	assert.Equal(t, crdt.OpID{Counter: 1, ClientID: "seed:0000000001:row-a:v2"}, first[0].ID)
	assert.Equal(t, uint64(1), first[1].ID.Counter)
	assert.True(t, first[1].ID.After(first[0].ID))
	assert.Equal(t, first[0].ID, first[1].After)
	assert.NotContains(t, first[0].Fields, library.PropertyKey("notes"))
}

func TestLateJoinerConvergesOnLaterUpdates(t *testing.T) {
	ctx := context.Background()
	env := newEnvironment(t)
	first := env.open(t, editor)
	author := env.open(t, colleague)

	for index, name := range []string{"lamp", "desk", "chair"} {
		_, err := first.InsertRow(index, map[library.PropertyKey]library.Value{"name": library.TextValue(name)})
		require.NoError(t, err)
	}
	_, err := first.Reconcile(ctx)
	require.NoError(t, err)

	row, err := author.InsertRow(0, map[library.PropertyKey]library.Value{"name": library.TextValue("v1")})
	require.NoError(t, err)
	_, err = author.Reconcile(ctx)
	require.NoError(t, err)

	late := env.open(t, editor)
	require.Len(t, late.RowIDs(), 4)

	require.NoError(t, author.UpdateField(row.ID, "name", library.TextValue("v2")))
	_, err = author.Reconcile(ctx)
	require.NoError(t, err)

	for _, client := range []*Controller{first, late} {
		_, err := client.Pull(ctx)
		require.NoError(t, err)
	}
	_, err = author.Pull(ctx)
	require.NoError(t, err)
	_, err = first.Pull(ctx)
	require.NoError(t, err)

	for _, client := range []*Controller{first, author, late} {
		value, ok := client.document.Value(row.ID, "name")
		require.True(t, ok)
		assert.Equal(t, "v2", value.Text)
	}
	assert.Equal(t, author.Rows(), late.Rows())
	assert.Equal(t, author.Rows(), first.Rows())
}

func TestLateJoinerSeesAuthorUpdatesOnSeededRows(t *testing.T) {
	ctx := context.Background()
	env := newEnvironment(t)
	ids := env.seedBackend(t, "a", "b", "c", "d", "e", "f")
	author := env.open(t, editor)

	require.NoError(t, author.UpdateField(ids[5], "status", library.TextValue("approved")))
	_, err := author.Reconcile(ctx)
	require.NoError(t, err)

	late := env.open(t, colleague)
	require.NoError(t, author.UpdateField(ids[5], "status", library.TextValue("archived")))
	_, err = author.Reconcile(ctx)
	require.NoError(t, err)
	_, err = late.Pull(ctx)
	require.NoError(t, err)

	row, ok := late.Row(ids[5])
	require.True(t, ok)
	assert.Equal(t, "archived", row.Fields["status"].Text)
	assert.Equal(t, author.RowIDs(), late.RowIDs())
}

func TestMalformedRelayEntryDoesNotStallPull(t *testing.T) {
	ctx := context.Background()
	env := newEnvironment(t)
	writer := env.open(t, editor)
	reader := env.open(t, colleague)

	bogus, err := library.NewOperationPayload([]byte(`{"id":{"counter":1,"client_id":"stranger"},"kind":"bogus","row_id":"x"}`))
	require.NoError(t, err)
	_, err = env.service.AppendOperations(ctx, editor, testLibrary, []library.OperationPayload{bogus})
	require.NoError(t, err)

	row, err := writer.InsertRow(0, map[library.PropertyKey]library.Value{"name": library.TextValue("lamp")})
	require.NoError(t, err)
	_, err = writer.Reconcile(ctx)
	require.NoError(t, err)

	pulled, err := reader.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pulled)
	_, ok := reader.Row(row.ID)
	assert.True(t, ok)

	pulled, err = reader.Pull(ctx)
	require.NoError(t, err)
	assert.Zero(t, pulled)
}

func TestReopenResumesRelayWhereItStopped(t *testing.T) {
	ctx := context.Background()
	env := newEnvironment(t)
	ids := env.seedBackend(t, "lamp")
	writer := env.open(t, editor)
	laptop := env.newDevice(t)
	reader := env.openOn(t, laptop, colleague)

	require.NoError(t, writer.UpdateField(ids[0], "status", library.TextValue("approved")))
	_, err := writer.Reconcile(ctx)
	require.NoError(t, err)
	pulled, err := reader.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pulled)
	reader.Close()

	reopened := env.openOn(t, laptop, colleague)
	pulled, err = reopened.Pull(ctx)
	require.NoError(t, err)
	assert.Zero(t, pulled)
	row, ok := reopened.Row(ids[0])
	require.True(t, ok)
	assert.Equal(t, "approved", row.Fields["status"].Text)
}
