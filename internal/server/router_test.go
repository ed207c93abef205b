package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/thestics/web-chat/internal/config"
	"github.com/thestics/web-chat/internal/db"
	"github.com/thestics/web-chat/internal/ws"
)

func TestHealthz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.Config{Port: "0", JWTSecret: "secret", Env: "dev", AccessTokenTTLMinutes: 15, RefreshTokenTTLDays: 7}
	gdb, err := db.Connect("host=localhost user=postgres password=postgres dbname=webchat port=5432 sslmode=disable TimeZone=UTC")
	if err != nil {
		t.Skipf("skip: db not available: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Skipf("skip: migrate failed: %v", err)
	}
	engine := SetupRouter(cfg, gdb, ws.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.Config{Port: "0", JWTSecret: "secret", Env: "dev", AccessTokenTTLMinutes: 15, RefreshTokenTTLDays: 7}
	gdb, err := db.Connect("host=localhost user=postgres password=postgres dbname=webchat port=5432 sslmode=disable TimeZone=UTC")
	if err != nil {
		t.Skipf("skip: db not available: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Skipf("skip: migrate failed: %v", err)
	}
	engine := SetupRouter(cfg, gdb, ws.NewRegistry())

	for _, path := range []string{"/api/v1/messages", "/api/v1/online"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without token = %d, want 401", path, w.Code)
		}
	}
}
