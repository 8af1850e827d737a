package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/LockerBox/config"
	"github.com/BearBump/LockerBox/internal/services/notify"
	"github.com/BearBump/LockerBox/internal/services/revalidator"
	"github.com/BearBump/LockerBox/internal/services/validation"
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
)

type workerHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	revalidator *revalidator.Revalidator
	dispatcher  *notify.Dispatcher
	verifier    *validation.Service
	cfg         *config.Config
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
			return fmt.Errorf("worker swagger file not found: %s", opts.swaggerPath)
		}
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.revalidator == nil {
			_, _ = w.Write([]byte(`{"error":"revalidator not wired"}`))
			return
		}
		out := map[string]any{"revalidator": opts.revalidator.Stats()}
		if opts.dispatcher != nil {
			out["notifications"] = opts.dispatcher.Stats()
		}
		if opts.verifier != nil {
			out["verifier"] = opts.verifier.VerifierStats()
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.cfg == nil {
			_, _ = w.Write([]byte(`{"error":"config not wired"}`))
			return
		}
		// Только рабочие параметры, без секретов.
		lb := opts.cfg.LockerBox
		_ = json.NewEncoder(w).Encode(map[string]any{
			"pollIntervalSeconds": lb.WorkerPollIntervalSeconds,
			"batchSize":           lb.WorkerBatchSize,
			"concurrency":         lb.WorkerConcurrency,
			"leaseSeconds":        lb.WorkerLeaseSeconds,
			"rateLimitPerMinute":  lb.WorkerRateLimitPerMinute,
			"providerMode":        opts.cfg.Provider.Mode,
		})
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.revalidator == nil {
			_, _ = w.Write([]byte(`{"error":"revalidator not wired"}`))
			return
		}
		opts.revalidator.Trigger()
		_, _ = w.Write([]byte(`{"triggered":true}`))
	})

	if opts.swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, opts.swaggerPath)
		})
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/swagger.json")))
	}

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
