// Package presence tracks which collaborators are looking at which cell of a library table.
package presence

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/library"
)

const (
	// DefaultTimeout is how long a record stays online without a refresh.
	DefaultTimeout = 30 * time.Second
	// DefaultCursorInterval is the minimum spacing of cursor-only broadcasts.
	DefaultCursorInterval = 50 * time.Millisecond
	expiryFactor          = 5
)

var (
	errMissingBroadcaster = errors.New("presence broadcaster is required")
	errMissingUser        = errors.New("presence user id is required")
)

// Status is the connection state of a collaborator.
type Status string

const (
	StatusOnline Status = "online"
	StatusAway   Status = "away"
)

// Cell addresses one cell of the table.
type Cell struct {
	RowID library.RowID       `json:"row_id"`
	Key   library.PropertyKey `json:"property_key"`
}

// Cursor is a pointer position in grid coordinates.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Record is one collaborator's presence within a library.
type Record struct {
	UserID       string            `json:"user_id"`
	LibraryID    library.LibraryID `json:"library_id"`
	DisplayName  string            `json:"display_name"`
	Email        string            `json:"email,omitempty"`
	AvatarColor  string            `json:"avatar_color"`
	ActiveCell   *Cell             `json:"active_cell,omitempty"`
	Cursor       *Cursor           `json:"cursor,omitempty"`
	Status       Status            `json:"status"`
	LastActivity time.Time         `json:"last_activity"`
}

func (r Record) clone() Record {
	if r.ActiveCell != nil {
		cell := *r.ActiveCell
		r.ActiveCell = &cell
	}
	if r.Cursor != nil {
		cursor := *r.Cursor
		r.Cursor = &cursor
	}
	return r
}

// Broadcaster delivers the local record to the other collaborators.
type Broadcaster interface {
	BroadcastPresence(ctx context.Context, record Record) error
}

// Identity describes the local user.
type Identity struct {
	UserID      string
	DisplayName string
	Email       string
}

// Config describes the dependencies of a Tracker.
type Config struct {
	LibraryID      library.LibraryID
	Local          Identity
	Broadcaster    Broadcaster
	Clock          func() time.Time
	Timeout        time.Duration
	Expiry         time.Duration
	CursorInterval time.Duration
	// AfterFunc schedules the trailing cursor broadcast and returns its cancel function. Defaults to time.AfterFunc.
	AfterFunc func(delay time.Duration, fn func()) (stop func() bool)
	Logger    *zap.Logger
}

// Tracker owns the local record and a read-only view of everyone else's.
type Tracker struct {
	mu          sync.Mutex
	local       Record
	remote      map[string]Record
	broadcaster Broadcaster
	clock       func() time.Time
	timeout     time.Duration
	expiry      time.Duration
	limiter     *rate.Limiter
	interval    time.Duration
	afterFunc   func(time.Duration, func()) func() bool
	logger      *zap.Logger

	cursorDirty  bool
	stopTrailing func() bool
	stopped      bool
}

// NewTracker validates the configuration and returns a Tracker.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Broadcaster == nil {
		return nil, errMissingBroadcaster
	}
	if cfg.Local.UserID == "" {
		return nil, errMissingUser
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = timeout * expiryFactor
	}
	interval := cfg.CursorInterval
	if interval <= 0 {
		interval = DefaultCursorInterval
	}
	afterFunc := cfg.AfterFunc
	if afterFunc == nil {
		afterFunc = func(delay time.Duration, fn func()) func() bool {
			return time.AfterFunc(delay, fn).Stop
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	displayName := cfg.Local.DisplayName
	if displayName == "" {
		displayName = cfg.Local.Email
	}
	return &Tracker{
		local: Record{
			UserID:       cfg.Local.UserID,
			LibraryID:    cfg.LibraryID,
			DisplayName:  displayName,
			Email:        cfg.Local.Email,
			AvatarColor:  AvatarColor(displayName, cfg.Local.UserID),
			Status:       StatusOnline,
			LastActivity: clock().UTC(),
		},
		remote:      make(map[string]Record),
		broadcaster: cfg.Broadcaster,
		clock:       clock,
		timeout:     timeout,
		expiry:      expiry,
		limiter:     rate.NewLimiter(rate.Every(interval), 1),
		interval:    interval,
		afterFunc:   afterFunc,
		logger:      logger,
	}, nil
}

// Focus marks cell as the local user's active cell and broadcasts at once.
func (t *Tracker) Focus(ctx context.Context, cell Cell, cursor *Cursor) error {
	t.mu.Lock()
	t.local.ActiveCell = &cell
	if cursor != nil {
		position := *cursor
		t.local.Cursor = &position
	}
	record := t.touchLocked()
	t.cursorDirty = false
	t.mu.Unlock()
	return t.broadcast(ctx, record)
}

// Blur clears the active cell and keeps the last cursor.
func (t *Tracker) Blur(ctx context.Context) error {
	t.mu.Lock()
	t.local.ActiveCell = nil
	record := t.touchLocked()
	t.cursorDirty = false
	t.mu.Unlock()
	return t.broadcast(ctx, record)
}

// MoveCursor records the cursor and broadcasts it unless the previous cursor broadcast was too recent. It reports
// whether a broadcast was sent. A throttled position is sent by a trailing broadcast one interval later unless a
// newer broadcast carried it first.
func (t *Tracker) MoveCursor(ctx context.Context, cursor Cursor) (bool, error) {
	t.mu.Lock()
	t.local.Cursor = &cursor
	record := t.touchLocked()
	allowed := t.limiter.AllowN(record.LastActivity, 1)
	if !allowed {
		t.cursorDirty = true
		if t.stopTrailing == nil && !t.stopped {
			t.stopTrailing = t.afterFunc(t.interval, t.flushCursor)
		}
		t.mu.Unlock()
		return false, nil
	}
	t.cursorDirty = false
	t.mu.Unlock()
	return true, t.broadcast(ctx, record)
}

func (t *Tracker) flushCursor() {
	t.mu.Lock()
	t.stopTrailing = nil
	if !t.cursorDirty || t.stopped {
		t.mu.Unlock()
		return
	}
	t.cursorDirty = false
	t.limiter.AllowN(t.clock(), 1)
	record := t.local.clone()
	t.mu.Unlock()
	_ = t.broadcast(context.Background(), record)
}

// Stop cancels a scheduled trailing cursor broadcast. The tracker keeps answering queries.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.cursorDirty = false
	if t.stopTrailing != nil {
		t.stopTrailing()
		t.stopTrailing = nil
	}
}

func (t *Tracker) touchLocked() Record {
	t.local.Status = StatusOnline
	t.local.LastActivity = t.clock().UTC()
	return t.local.clone()
}

func (t *Tracker) broadcast(ctx context.Context, record Record) error {
	if err := t.broadcaster.BroadcastPresence(ctx, record); err != nil {
		t.logger.Warn("presence broadcast failed",
			zap.String("user_id", record.UserID),
			zap.String("library_id", record.LibraryID.String()),
			zap.Error(err))
		return err
	}
	return nil
}

// Receive stores a collaborator's record. Records about the local user and records older than the stored one are
// ignored; the return value reports whether the record was kept.
func (t *Tracker) Receive(record Record) bool {
	if record.UserID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if record.UserID == t.local.UserID {
		return false
	}
	if record.LibraryID != "" && t.local.LibraryID != "" && record.LibraryID != t.local.LibraryID {
		return false
	}
	if existing, ok := t.remote[record.UserID]; ok && record.LastActivity.Before(existing.LastActivity) {
		return false
	}
	if record.AvatarColor == "" {
		record.AvatarColor = AvatarColor(record.DisplayName, record.UserID)
	}
	t.remote[record.UserID] = record.clone()
	return true
}

// Local returns the local record.
func (t *Tracker) Local() Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local.clone()
}

// Status returns the locally computed status of a collaborator. A record that was not refreshed within the timeout
// is away whatever it last claimed.
func (t *Tracker) Status(userID string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.remote[userID]
	if !ok {
		return "", false
	}
	return t.statusLocked(record, t.clock()), true
}

func (t *Tracker) statusLocked(record Record, now time.Time) Status {
	if record.Status == StatusAway {
		return StatusAway
	}
	if now.Sub(record.LastActivity) > t.timeout {
		return StatusAway
	}
	return StatusOnline
}

// Records returns every collaborator with the computed status, ordered by user id.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	records := make([]Record, 0, len(t.remote))
	for _, record := range t.remote {
		view := record.clone()
		view.Status = t.statusLocked(record, now)
		records = append(records, view)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })
	return records
}

// EditorsOf returns the online collaborators whose active cell is cell.
func (t *Tracker) EditorsOf(cell Cell) []Record {
	var editors []Record
	for _, record := range t.Records() {
		if record.Status != StatusOnline || record.ActiveCell == nil || *record.ActiveCell != cell {
			continue
		}
		editors = append(editors, record)
	}
	return editors
}

// Prune forgets records that have been silent longer than the expiry and returns how many were removed.
func (t *Tracker) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	removed := 0
	for userID, record := range t.remote {
		if now.Sub(record.LastActivity) > t.expiry {
			delete(t.remote, userID)
			removed++
		}
	}
	return removed
}

var avatarPalette = []string{
	"#e57373", "#f06292", "#ba68c8", "#9575cd",
	"#7986cb", "#64b5f6", "#4fc3f7", "#4dd0e1",
	"#4db6ac", "#81c784", "#aed581", "#ffb74d",
}

// AvatarColor picks a palette color from a stable hash of name and id.
func AvatarColor(name, id string) string {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(name))
	_, _ = hash.Write([]byte{0})
	_, _ = hash.Write([]byte(id))
	return avatarPalette[hash.Sum32()%uint32(len(avatarPalette))]
}
