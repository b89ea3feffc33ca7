package crdt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// ErrInvalidOpID indicates that an operation identifier could not be parsed.
var ErrInvalidOpID = errors.New("crdt: invalid op id")

// OpID orders operations: Lamport counter first, client id breaks ties.
type OpID struct {
	Counter  uint64 `json:"counter"`
	ClientID string `json:"client_id"`
}

// IsZero reports whether the id is unset.
func (id OpID) IsZero() bool {
	return id.Counter == 0 && id.ClientID == ""
}

// Compare returns -1, 0 or 1.
func (id OpID) Compare(other OpID) int {
	switch {
	case id.Counter < other.Counter:
		return -1
	case id.Counter > other.Counter:
		return 1
	case id.ClientID < other.ClientID:
		return -1
	case id.ClientID > other.ClientID:
		return 1
	default:
		return 0
	}
}

// After reports whether id wins over other under last-writer-wins.
func (id OpID) After(other OpID) bool {
	return id.Compare(other) > 0
}

// String renders the id as "counter@client".
func (id OpID) String() string {
	return fmt.Sprintf("%d@%s", id.Counter, id.ClientID)
}

// ParseOpID parses the "counter@client" form.
func ParseOpID(raw string) (OpID, error) {
	counterPart, clientPart, found := strings.Cut(strings.TrimSpace(raw), "@")
	if !found || clientPart == "" {
		return OpID{}, fmt.Errorf("%w: %q", ErrInvalidOpID, raw)
	}
	counter, err := strconv.ParseUint(counterPart, 10, 64)
	if err != nil || counter == 0 {
		return OpID{}, fmt.Errorf("%w: %q", ErrInvalidOpID, raw)
	}
	return OpID{Counter: counter, ClientID: clientPart}, nil
}

// LamportClock issues monotonically increasing ids for one client.
type LamportClock struct {
	mu       sync.Mutex
	clientID string
	counter  uint64
}

// NewLamportClock returns a clock for clientID starting at zero.
func NewLamportClock(clientID string) *LamportClock {
	return &LamportClock{clientID: clientID}
}

// ClientID returns the owning client id.
func (c *LamportClock) ClientID() string {
	return c.clientID
}

// Tick advances the clock and returns the next id.
func (c *LamportClock) Tick() OpID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	return OpID{Counter: c.counter, ClientID: c.clientID}
}

// Observe moves the clock past a counter seen on another replica.
func (c *LamportClock) Observe(counter uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if counter > c.counter {
		c.counter = counter
	}
}

// Current returns the last issued or observed counter.
func (c *LamportClock) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}
