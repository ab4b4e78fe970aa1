package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/canvas/internal/auth"
	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
	"github.com/MarcoPoloResearchLab/canvas/internal/database"
	"github.com/MarcoPoloResearchLab/canvas/internal/presence"
	"github.com/MarcoPoloResearchLab/canvas/internal/shapes"
	"github.com/MarcoPoloResearchLab/canvas/internal/users"
)

type testAPI struct {
	server   *httptest.Server
	tokens   *auth.TokenIssuer
	shapes   *shapes.Service
	presence *presence.Store
	redis    *miniredis.Miniredis
}

func newTestAPI(t *testing.T, heartbeat time.Duration) *testAPI {
	t.Helper()
	return newTestAPIWithLogger(t, heartbeat, zap.NewNop())
}

func newTestAPIWithLogger(t *testing.T, heartbeat time.Duration, logger *zap.Logger) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	shapeService, err := shapes.NewService(shapes.ServiceConfig{
		Database:   db,
		IDProvider: canvas.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to create shape service: %v", err)
	}
	profiles, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create profile service: %v", err)
	}

	redisServer := miniredis.RunT(t)
	client, err := presence.Connect(context.Background(), "redis://"+redisServer.Addr())
	if err != nil {
		t.Fatalf("failed to connect redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	presenceStore, err := presence.NewStore(presence.StoreConfig{Client: client, SweepInterval: time.Second})
	if err != nil {
		t.Fatalf("failed to create presence store: %v", err)
	}

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "canvas-auth",
		Audience:      "canvas-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Tokens:          tokens,
		Shapes:          shapeService,
		Presence:        presenceStore,
		Profiles:        profiles,
		Logger:          logger,
		StreamHeartbeat: heartbeat,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testAPI{server: server, tokens: tokens, shapes: shapeService, presence: presenceStore, redis: redisServer}
}

func (a *testAPI) token(t *testing.T, userID, name string) string {
	t.Helper()
	token, _, err := a.tokens.IssueToken(context.Background(), auth.Claims{Subject: userID, Name: name})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (a *testAPI) do(t *testing.T, method, path, token string, body interface{}) (int, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, a.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return response.StatusCode, payload
}

type sseEvent struct {
	name string
	data string
}

func readEvent(t *testing.T, reader *bufio.Reader) sseEvent {
	t.Helper()
	var event sseEvent
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read stream: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event.name != "" || event.data != "" {
				return event
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			event.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			event.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
