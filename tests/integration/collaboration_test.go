package integration_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/database"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/events"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/library"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/server"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/users"
)

const (
	sessionSigningSecret = "integration-secret"
	sessionCookieName    = "assetgrid_session"
	libraryPath          = "/libraries/lib-integration"
	libraryIdentifier    = "lib-integration"
	jsonContentType      = "application/json"
)

func TestOperationRelayConvergesCollaborators(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "assetgrid.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	libraryService, err := library.NewService(library.ServiceConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build library service: %v", err)
	}
	collaborators, err := users.NewService(users.ServiceConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build collaborator directory: %v", err)
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        auth.DefaultSessionIssuer,
		CookieName:    sessionCookieName,
	})
	if err != nil {
		testContext.Fatalf("failed to construct session validator: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:          sessionValidator,
		Collaborators:     collaborators,
		Library:           libraryService,
		Bus:               events.NewBus(),
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	editorCookie := mustSessionCookie(testContext, "google:alice", "editor")
	viewerCookie := mustSessionCookie(testContext, "google:bob", "viewer")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	streamReq, _ := http.NewRequestWithContext(ctx, http.MethodGet, testServer.URL+libraryPath+"/stream", nil)
	streamReq.AddCookie(viewerCookie)
	streamResp, err := http.DefaultClient.Do(streamReq)
	if err != nil {
		testContext.Fatalf("stream request failed: %v", err)
	}
	defer streamResp.Body.Close()
	if streamResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	streamedTypes := make(chan string, 8)
	go func() {
		defer close(streamedTypes)
		reader := bufio.NewReader(streamResp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "event:") {
				streamedTypes <- strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			}
		}
	}()

	editorDocument := crdt.NewDocument("client-alice")
	var operations []crdt.Op
	for index, rowID := range []library.RowID{"row-1", "row-2"} {
		op, err := editorDocument.InsertRow(index, library.Row{
			ID:     rowID,
			Fields: map[library.PropertyKey]library.Value{"name": library.TextValue("asset " + rowID.String())},
		})
		if err != nil {
			testContext.Fatalf("failed to insert %s: %v", rowID, err)
		}
		operations = append(operations, op)
	}
	updateOp, err := editorDocument.UpdateField("row-1", "status", library.TextValue("approved"))
	if err != nil {
		testContext.Fatalf("failed to update field: %v", err)
	}
	operations = append(operations, updateOp)

	appendBody, _ := json.Marshal(map[string]any{"operations": operations})
	appendResp := mustDo(testContext, http.MethodPost, testServer.URL+libraryPath+"/operations", editorCookie, appendBody)
	if appendResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected append status: %d", appendResp.StatusCode)
	}
	var appendResult struct {
		Results []struct {
			OpID      string `json:"op_id"`
			Duplicate bool   `json:"duplicate"`
		} `json:"results"`
	}
	mustDecode(testContext, appendResp, &appendResult)
	if len(appendResult.Results) != len(operations) {
		testContext.Fatalf("expected %d results, got %d", len(operations), len(appendResult.Results))
	}
	for _, result := range appendResult.Results {
		if result.Duplicate {
			testContext.Fatalf("unexpected duplicate on first append: %+v", result)
		}
	}

	select {
	case eventType := <-streamedTypes:
		if eventType != events.TypeRowsChanged {
			testContext.Fatalf("expected %s on the viewer stream, got %s", events.TypeRowsChanged, eventType)
		}
	case <-ctx.Done():
		testContext.Fatalf("timed out waiting for the relayed change")
	}

	pullResp := mustDo(testContext, http.MethodGet, testServer.URL+libraryPath+"/operations?after=0", viewerCookie, nil)
	if pullResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected pull status: %d", pullResp.StatusCode)
	}
	var pulled struct {
		Operations []struct {
			Sequence  int64           `json:"sequence"`
			Operation json.RawMessage `json:"operation"`
		} `json:"operations"`
		Cursor int64 `json:"cursor"`
	}
	mustDecode(testContext, pullResp, &pulled)
	if len(pulled.Operations) != len(operations) {
		testContext.Fatalf("expected %d relayed operations, got %d", len(operations), len(pulled.Operations))
	}

	viewerDocument := crdt.NewDocument("client-bob")
	for _, relayed := range pulled.Operations {
		var op crdt.Op
		if err := json.Unmarshal(relayed.Operation, &op); err != nil {
			testContext.Fatalf("failed to decode relayed operation: %v", err)
		}
		if err := viewerDocument.Apply(crdt.OriginRemote, op); err != nil {
			testContext.Fatalf("failed to apply relayed operation: %v", err)
		}
	}
	editorRows, _ := json.Marshal(editorDocument.Snapshot())
	viewerRows, _ := json.Marshal(viewerDocument.Snapshot())
	if !bytes.Equal(editorRows, viewerRows) {
		testContext.Fatalf("documents diverged:\neditor %s\nviewer %s", editorRows, viewerRows)
	}

	retryResp := mustDo(testContext, http.MethodPost, testServer.URL+libraryPath+"/operations", editorCookie, appendBody)
	mustDecode(testContext, retryResp, &appendResult)
	for _, result := range appendResult.Results {
		if !result.Duplicate {
			testContext.Fatalf("expected retried operation %s to be a duplicate", result.OpID)
		}
	}

	rowBody, _ := json.Marshal(map[string]any{"id": "row-3"})
	forbiddenResp := mustDo(testContext, http.MethodPost, testServer.URL+libraryPath+"/rows", viewerCookie, rowBody)
	if forbiddenResp.StatusCode != http.StatusForbidden {
		testContext.Fatalf("expected viewer insert to be forbidden, got %d", forbiddenResp.StatusCode)
	}
}

func mustSessionCookie(testContext *testing.T, userID, role string) *http.Cookie {
	testContext.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:       userID,
		UserEmail:    strings.TrimPrefix(userID, "google:") + "@example.com",
		LibraryRoles: map[string]string{libraryIdentifier: role},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    auth.DefaultSessionIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(sessionSigningSecret))
	if err != nil {
		testContext.Fatalf("failed to sign token: %v", err)
	}
	return &http.Cookie{Name: sessionCookieName, Value: signed}
}

func mustDo(testContext *testing.T, method, url string, cookie *http.Cookie, body []byte) *http.Response {
	testContext.Helper()
	request, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.AddCookie(cookie)
	request.Header.Set("Content-Type", jsonContentType)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("%s %s failed: %v", method, url, err)
	}
	testContext.Cleanup(func() { response.Body.Close() })
	return response
}

func mustDecode(testContext *testing.T, response *http.Response, target any) {
	testContext.Helper()
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
}
