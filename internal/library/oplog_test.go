package library

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func mustPayload(t *testing.T, raw string) OperationPayload {
	t.Helper()
	payload, err := NewOperationPayload(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("unexpected payload error: %v", err)
	}
	return payload
}

func TestNewOperationPayloadValidatesIdentity(t *testing.T) {
	payload := mustPayload(t, ` {"id":{"counter":3,"client_id":"client-a"},"kind":"update"} `)
	if payload.OpID() != "3@client-a" {
		t.Fatalf("unexpected op id %s", payload.OpID())
	}
	if string(payload.Raw()) != `{"id":{"counter":3,"client_id":"client-a"},"kind":"update"}` {
		t.Fatalf("expected trimmed payload, got %s", payload.Raw())
	}

	for _, raw := range []string{"", "not json", `{"id":{"counter":0,"client_id":"a"}}`, `{"id":{"counter":1}}`} {
		if _, err := NewOperationPayload(json.RawMessage(raw)); !errors.Is(err, ErrInvalidOperationPayload) {
			t.Fatalf("expected invalid payload error for %q, got %v", raw, err)
		}
	}
}

func TestAppendOperationsDeduplicates(t *testing.T) {
	service, _ := newTestService(t)
	libraryID := mustLibraryID(t, "lib-1")
	ctx := context.Background()
	first := mustPayload(t, `{"id":{"counter":1,"client_id":"client-a"}}`)
	second := mustPayload(t, `{"id":{"counter":2,"client_id":"client-a"}}`)

	outcomes, err := service.AppendOperations(ctx, testCaller, libraryID, []OperationPayload{first, second})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(outcomes) != 2 || outcomes[0].Duplicate || outcomes[1].Duplicate {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}

	retried, err := service.AppendOperations(ctx, testCaller, libraryID, []OperationPayload{second})
	if err != nil {
		t.Fatalf("retry append: %v", err)
	}
	if len(retried) != 1 || !retried[0].Duplicate {
		t.Fatalf("expected duplicate outcome, got %+v", retried)
	}
	if retried[0].Sequence != outcomes[1].Sequence {
		t.Fatalf("expected duplicate to report sequence %d, got %d", outcomes[1].Sequence, retried[0].Sequence)
	}
}

func TestListOperationsPagesFromCursor(t *testing.T) {
	service, _ := newTestService(t)
	libraryID := mustLibraryID(t, "lib-1")
	other := mustLibraryID(t, "lib-2")
	ctx := context.Background()

	outcomes, err := service.AppendOperations(ctx, testCaller, libraryID, []OperationPayload{
		mustPayload(t, `{"id":{"counter":1,"client_id":"client-a"}}`),
		mustPayload(t, `{"id":{"counter":1,"client_id":"client-b"}}`),
		mustPayload(t, `{"id":{"counter":2,"client_id":"client-a"}}`),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := service.AppendOperations(ctx, testCaller, other, []OperationPayload{
		mustPayload(t, `{"id":{"counter":9,"client_id":"client-z"}}`),
	}); err != nil {
		t.Fatalf("append other library: %v", err)
	}

	page, err := service.ListOperations(ctx, testCaller, libraryID, 0, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].Sequence != outcomes[0].Sequence {
		t.Fatalf("unexpected first page %+v", page)
	}

	rest, err := service.ListOperations(ctx, testCaller, libraryID, page[1].Sequence, 0)
	if err != nil {
		t.Fatalf("list rest: %v", err)
	}
	if len(rest) != 1 || rest[0].Sequence != outcomes[2].Sequence {
		t.Fatalf("unexpected second page %+v", rest)
	}

	var header operationHeader
	if err := json.Unmarshal(rest[0].Payload, &header); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if header.ID.Counter != 2 || header.ID.ClientID != "client-a" {
		t.Fatalf("unexpected payload %s", rest[0].Payload)
	}

	if _, err := service.ListOperations(ctx, testCaller, libraryID, -1, 0); !errors.Is(err, ErrInvalidOperationCursor) {
		t.Fatalf("expected invalid cursor error, got %v", err)
	}
}

func TestAppendOperationsAcceptsEmptyBatch(t *testing.T) {
	service, _ := newTestService(t)
	outcomes, err := service.AppendOperations(context.Background(), testCaller, mustLibraryID(t, "lib-1"), nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(outcomes) != 0 {
		t.Fatalf("expected no outcomes, got %d", len(outcomes))
	}
}
