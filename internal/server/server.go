// Package server exposes the rootfs builder over a small HTTP API for CI
// hosts that produce images on demand.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nulvox/firecracker-helpers/internal/builder"
	"github.com/nulvox/firecracker-helpers/internal/config"
	"github.com/nulvox/firecracker-helpers/internal/logging"
)

type Options struct {
	Addr        string
	APIKey      string
	CORSOrigins []string
}

// BuildFunc runs one rootfs build; main wires in the real pipeline so the
// server stays testable without a container runtime.
type BuildFunc func(ctx context.Context, req builder.Request) (*builder.Result, error)

type buildRequest struct {
	Image      string `json:"image,omitempty"`
	Dockerfile string `json:"dockerfile,omitempty"`
	Context    string `json:"context,omitempty"`
	Output     string `json:"output,omitempty"`
	Margin     string `json:"margin,omitempty"`
}

type buildResponse struct {
	Output     string   `json:"output"`
	PrivateKey string   `json:"private_key,omitempty"`
	Guest      string   `json:"guest,omitempty"`
	TotalBytes uint64   `json:"total_bytes"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Start launches the HTTP server and blocks until the context is done or the
// server exits.
func Start(ctx context.Context, opts Options, buildFn BuildFunc) error {
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           Handler(opts, buildFn),
		ReadHeaderTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Build daemon listening", "addr", opts.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler builds the daemon's HTTP routes.
func Handler(opts Options, buildFn BuildFunc) http.Handler {
	mux := http.NewServeMux()

	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if !allowOrigin(w, r, opts.CORSOrigins) {
				http.Error(w, "CORS not allowed", http.StatusForbidden)
				return
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if opts.APIKey != "" && !authOK(r, opts.APIKey) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			h(w, r)
		}
	}

	mux.HandleFunc("/v1/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	mux.HandleFunc("/v1/rootfs", wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req buildRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if (req.Image == "") == (req.Dockerfile == "") {
			http.Error(w, "exactly one of image and dockerfile required", http.StatusBadRequest)
			return
		}

		margin := req.Margin
		if margin == "" {
			margin = config.DefaultMargin
		}
		marginBytes, err := config.ParseMargin(margin)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid margin: %v", err), http.StatusBadRequest)
			return
		}

		ctx2, cancel := context.WithTimeout(r.Context(), 2*time.Hour)
		defer cancel()

		res, err := buildFn(ctx2, builder.Request{
			ImageRef:    req.Image,
			Dockerfile:  req.Dockerfile,
			ContextDir:  req.Context,
			OutputPath:  req.Output,
			MarginBytes: marginBytes,
			Quiet:       true,
		})
		if err != nil {
			http.Error(w, fmt.Sprintf("build failed: %v", err), http.StatusInternalServerError)
			return
		}

		json.NewEncoder(w).Encode(buildResponse{
			Output:     res.OutputPath,
			PrivateKey: res.PrivateKeyPath,
			Guest:      string(res.Guest),
			TotalBytes: res.Plan.TotalBytes,
			Warnings:   res.Warnings,
		})
	}))

	return mux
}

func authOK(r *http.Request, apiKey string) bool {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ") == apiKey
	}
	if h := r.Header.Get("X-API-Key"); h != "" {
		return h == apiKey
	}
	return false
}

func allowOrigin(w http.ResponseWriter, r *http.Request, origins []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowed := false
	if len(origins) == 0 {
		// default: allow localhost for dev
		if strings.HasPrefix(origin, "http://localhost") || strings.HasPrefix(origin, "http://127.0.0.1") {
			allowed = true
		}
	} else {
		for _, o := range origins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}
	}
	if allowed {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	}
	return allowed
}
