package library

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidLibraryID indicates that a library identifier is empty or exceeds storage bounds.
	ErrInvalidLibraryID = errors.New("library: invalid library id")
	// ErrInvalidRowID indicates that a row identifier is empty or exceeds storage bounds.
	ErrInvalidRowID = errors.New("library: invalid row id")
	// ErrInvalidPropertyKey indicates that a property key is empty or exceeds storage bounds.
	ErrInvalidPropertyKey = errors.New("library: invalid property key")
	// ErrInvalidValue indicates that a value payload does not match its declared kind.
	ErrInvalidValue = errors.New("library: invalid value")
	// ErrInvalidRole indicates that a role string is not one of admin, editor or viewer.
	ErrInvalidRole = errors.New("library: invalid role")
)

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// LibraryID represents a validated library identifier.
type LibraryID string

// NewLibraryID validates raw input and returns a LibraryID.
func NewLibraryID(rawInput string) (LibraryID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidLibraryID)
	if err != nil {
		return "", err
	}
	return LibraryID(value), nil
}

// String returns the underlying string identifier.
func (id LibraryID) String() string {
	return string(id)
}

// AssetsCacheKey returns the request cache key holding the library's asset rows.
func (id LibraryID) AssetsCacheKey() string {
	return "library:" + string(id) + ":assets"
}

// RowID represents a validated, never reused asset row identifier.
type RowID string

// NewRowID validates raw input and returns a RowID.
func NewRowID(rawInput string) (RowID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidRowID)
	if err != nil {
		return "", err
	}
	return RowID(value), nil
}

// String returns the underlying string identifier.
func (id RowID) String() string {
	return string(id)
}

// PropertyKey names a column of the asset table.
type PropertyKey string

// NewPropertyKey validates raw input and returns a PropertyKey.
func NewPropertyKey(rawInput string) (PropertyKey, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidPropertyKey)
	if err != nil {
		return "", err
	}
	return PropertyKey(value), nil
}

// String returns the underlying key.
func (key PropertyKey) String() string {
	return string(key)
}

// ValueKind discriminates the Value union.
type ValueKind string

const (
	ValueKindNull    ValueKind = "null"
	ValueKindText    ValueKind = "text"
	ValueKindNumber  ValueKind = "number"
	ValueKindBoolean ValueKind = "boolean"
	ValueKindMedia   ValueKind = "media"
)

// MediaReference points at an uploaded asset file.
type MediaReference struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Value is a single cell value.
type Value struct {
	Kind    ValueKind       `json:"kind"`
	Text    string          `json:"text,omitempty"`
	Number  float64         `json:"number,omitempty"`
	Boolean bool            `json:"boolean,omitempty"`
	Media   *MediaReference `json:"media,omitempty"`
}

// NullValue returns the value used to clear a cell.
func NullValue() Value {
	return Value{Kind: ValueKindNull}
}

// TextValue wraps a string.
func TextValue(text string) Value {
	return Value{Kind: ValueKindText, Text: text}
}

// NumberValue wraps a number.
func NumberValue(number float64) Value {
	return Value{Kind: ValueKindNumber, Number: number}
}

// BooleanValue wraps a boolean.
func BooleanValue(flag bool) Value {
	return Value{Kind: ValueKindBoolean, Boolean: flag}
}

// MediaValue wraps a media reference.
func MediaValue(reference MediaReference) Value {
	return Value{Kind: ValueKindMedia, Media: &reference}
}

// IsNull reports whether the value clears the cell.
func (v Value) IsNull() bool {
	return v.Kind == "" || v.Kind == ValueKindNull
}

// Validate checks that the payload matches the kind.
func (v Value) Validate() error {
	switch v.Kind {
	case "", ValueKindNull, ValueKindText, ValueKindNumber, ValueKindBoolean:
		return nil
	case ValueKindMedia:
		if v.Media == nil || strings.TrimSpace(v.Media.URL) == "" {
			return fmt.Errorf("%w: media value without url", ErrInvalidValue)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidValue, v.Kind)
	}
}

// Equal compares two values by content.
func (v Value) Equal(other Value) bool {
	if v.IsNull() || other.IsNull() {
		return v.IsNull() == other.IsNull()
	}
	if v.Kind != other.Kind || v.Text != other.Text || v.Number != other.Number || v.Boolean != other.Boolean {
		return false
	}
	if (v.Media == nil) != (other.Media == nil) {
		return false
	}
	return v.Media == nil || *v.Media == *other.Media
}

// Clone returns a deep copy of the value.
func (v Value) Clone() Value {
	if v.Media != nil {
		media := *v.Media
		v.Media = &media
	}
	return v
}

// Row is one asset of a library table.
type Row struct {
	ID     RowID                 `json:"id"`
	Fields map[PropertyKey]Value `json:"fields"`
}

// Get returns the value stored for key.
func (r Row) Get(key PropertyKey) (Value, bool) {
	value, ok := r.Fields[key]
	return value, ok
}

// Keys returns the populated property keys in a stable order.
func (r Row) Keys() []PropertyKey {
	keys := make([]PropertyKey, 0, len(r.Fields))
	for key := range r.Fields {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Clone returns a deep copy of the row.
func (r Row) Clone() Row {
	fields := make(map[PropertyKey]Value, len(r.Fields))
	for key, value := range r.Fields {
		fields[key] = value.Clone()
	}
	return Row{ID: r.ID, Fields: fields}
}

// MarshalFields encodes the row fields for storage.
func (r Row) MarshalFields() ([]byte, error) {
	fields := r.Fields
	if fields == nil {
		fields = map[PropertyKey]Value{}
	}
	return json.Marshal(fields)
}

// Role is the caller's authorization level within a library.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// ParseRole validates a role string.
func ParseRole(rawInput string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(rawInput))) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleEditor:
		return RoleEditor, nil
	case RoleViewer:
		return RoleViewer, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, rawInput)
	}
}

// CanEdit reports whether the role may issue mutating calls.
func (r Role) CanEdit() bool {
	return r == RoleAdmin || r == RoleEditor
}

// Caller identifies who issues a backend call.
type Caller struct {
	UserID string
	Role   Role
}
