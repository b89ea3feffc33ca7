package library

import "github.com/google/uuid"

// IDProvider issues identifiers for rows and replica clients.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// NewRowIDFrom issues a fresh RowID from the provider.
func NewRowIDFrom(provider IDProvider) (RowID, error) {
	raw, err := provider.NewID()
	if err != nil {
		return "", err
	}
	return NewRowID(raw)
}
