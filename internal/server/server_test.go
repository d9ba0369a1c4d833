package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulvox/firecracker-helpers/internal/builder"
)

func stubBuild(ctx context.Context, req builder.Request) (*builder.Result, error) {
	return &builder.Result{
		OutputPath:     "/tmp/alpine-latest.ext4",
		PrivateKeyPath: "/tmp/alpine-latest.id_rsa",
		Guest:          builder.GuestAlpine,
	}, nil
}

func TestHealthz(t *testing.T) {
	h := Handler(Options{}, stubBuild)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rr.Code)
	}
}

func TestRootfsRequiresOneSource(t *testing.T) {
	h := Handler(Options{}, stubBuild)

	for _, body := range []string{
		`{}`,
		`{"image":"alpine:latest","dockerfile":"/tmp/Dockerfile"}`,
	} {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/rootfs", strings.NewReader(body))
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rr.Code)
		}
	}
}

func TestRootfsBuild(t *testing.T) {
	h := Handler(Options{}, stubBuild)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/rootfs",
		strings.NewReader(`{"image":"alpine:latest"}`))
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "alpine-latest.ext4") {
		t.Errorf("response missing output path: %s", rr.Body.String())
	}
}

func TestRootfsRejectsBadMargin(t *testing.T) {
	h := Handler(Options{}, stubBuild)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/rootfs",
		strings.NewReader(`{"image":"alpine:latest","margin":"lots"}`))
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestAPIKeyEnforced(t *testing.T) {
	h := Handler(Options{APIKey: "secret"}, stubBuild)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rr.Code)
	}

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	req.Header.Set("Authorization", "Bearer secret")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("bearer auth status = %d, want 200", rr.Code)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("header auth status = %d, want 200", rr.Code)
	}
}
