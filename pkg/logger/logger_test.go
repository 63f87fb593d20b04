package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestNew_DebugOnlyInLocalEnvs(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter("production", &buf).Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug to be filtered in production, got %q", buf.String())
	}
	NewWithWriter("local", &buf).Debug("shown")
	if !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Fatalf("expected debug line in local, got %q", buf.String())
	}
}

func TestComponent_TagsLogger(t *testing.T) {
	var buf bytes.Buffer
	Component(NewWithWriter("local", &buf), "dispatch").Info("x")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("invalid json log: %v", err)
	}
	if line["component"] != "dispatch" {
		t.Fatalf("expected component attr, got %v", line)
	}
}

func TestFrom_FallsBackToDefault(t *testing.T) {
	if From(context.Background()) == nil {
		t.Fatalf("expected default logger")
	}
}

func TestMiddleware_PropagatesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	l := NewWithWriter("local", &buf)

	r := gin.New()
	r.Use(Middleware(l))
	var fromCtx, fromGin bool
	r.GET("/x", func(c *gin.Context) {
		fromCtx = From(c.Request.Context()) != nil
		fromGin = FromGin(c) != nil
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(headerRequestID, "rid-1")
	r.ServeHTTP(w, req)

	if got := w.Header().Get(headerRequestID); got != "rid-1" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}
	if !fromCtx || !fromGin {
		t.Fatalf("expected request logger in context")
	}
	if !strings.Contains(buf.String(), `"request_id":"rid-1"`) || !strings.Contains(buf.String(), `"path":"/x"`) {
		t.Fatalf("expected request summary log, got %q", buf.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Header().Get(headerRequestID) == "" {
		t.Fatalf("expected generated request id")
	}
}
