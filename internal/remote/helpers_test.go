package remote

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarcoPoloResearchLab/canvas/internal/auth"
	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
	"github.com/MarcoPoloResearchLab/canvas/internal/database"
	"github.com/MarcoPoloResearchLab/canvas/internal/presence"
	"github.com/MarcoPoloResearchLab/canvas/internal/server"
	"github.com/MarcoPoloResearchLab/canvas/internal/shapes"
	"github.com/MarcoPoloResearchLab/canvas/internal/users"
)

type testBackend struct {
	url      string
	tokens   *auth.TokenIssuer
	presence *presence.Store
	logs     *observer.ObservedLogs
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:remote_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
		SigningSecret: []byte("remote-test-secret"),
		Issuer:        "canvas-auth",
		Audience:      "canvas-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:   tokens,
		Shapes:   shapeService,
		Presence: presenceStore,
		Profiles: profiles,
		Logger:   zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)

	return &testBackend{url: httpServer.URL, tokens: tokens, presence: presenceStore, logs: logs}
}

func (b *testBackend) config(t *testing.T, userID string) ClientConfig {
	t.Helper()
	token, _, err := b.tokens.IssueToken(context.Background(), auth.Claims{Subject: userID, Name: userID})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return ClientConfig{BaseURL: b.url, Token: token, ReconnectDelay: 20 * time.Millisecond}
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}
