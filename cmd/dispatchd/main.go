package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nadmax/dispatchcore/internal/api"
	"github.com/nadmax/dispatchcore/internal/archive"
	"github.com/nadmax/dispatchcore/internal/breaker"
	"github.com/nadmax/dispatchcore/internal/dispatch"
	"github.com/nadmax/dispatchcore/internal/health"
	"github.com/nadmax/dispatchcore/internal/middleware"
	"github.com/nadmax/dispatchcore/internal/notify"
	"github.com/nadmax/dispatchcore/internal/queue"
)

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return n
}

func envSeconds(key string, fallback float64) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(fallback * float64(time.Second))
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return time.Duration(f * float64(time.Second))
}

func buildSink() notify.Sink {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		sink, err := notify.NewRedisSink(addr, envStr("NOTIFY_PREFIX", "dispatch:notify"))
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Notifications via Redis at %s", addr)
		return sink
	}
	if apiKey := os.Getenv("EMAIL_API_KEY"); apiKey != "" {
		log.Printf("Failure notifications via email")
		return notify.NewEmailSink(
			apiKey,
			envStr("FROM_NAME", "dispatchd"),
			os.Getenv("FROM_ADDRESS"),
			os.Getenv("ALERT_ADDRESS"),
		)
	}
	return notify.LogSink{}
}

// demoCandidates simulates the downstream channels: a cloud tier behind
// the shared gateway and a local fallback. Real deployments wire actual
// clients here.
func demoCandidates(req api.DispatchRequest) []dispatch.Candidate {
	return []dispatch.Candidate{
		{
			Channel:    "cloud",
			ViaGateway: true,
			Invoke: func(ctx context.Context) (any, error) {
				select {
				case <-time.After(200 * time.Millisecond):
					return fmt.Sprintf("cloud answer for %q", req.Prompt), nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		},
		{
			Channel: "local",
			Invoke: func(ctx context.Context) (any, error) {
				select {
				case <-time.After(500 * time.Millisecond):
					return fmt.Sprintf("local answer for %q", req.Prompt), nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		},
	}
}

func main() {
	sink := buildSink()

	var outcomes api.OutcomeReader
	var arch queue.Archiver
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		pg, err := archive.NewPostgresArchive(dsn)
		if err != nil {
			log.Fatal(err)
		}
		defer func() {
			if err := pg.Close(); err != nil {
				log.Printf("failed to close outcome archive: %v", err)
			}
		}()
		arch = pg
		outcomes = pg
		log.Printf("Archiving outcomes to PostgreSQL")
	}

	q := queue.New(queue.Config{
		MaxQueueSize: envInt("DISPATCH_MAX_QUEUE_SIZE", 20),
		MaxRunning:   envInt("DISPATCH_MAX_RUNNING", 4),
		SLATimeout:   envSeconds("DISPATCH_SLA_TIMEOUT_SECONDS", 120),
		MaxHistory:   envInt("DISPATCH_MAX_HISTORY", 1024),
	}, sink, arch)

	tracker := health.NewTracker(health.Config{
		ErrThreshold: envInt("DISPATCH_ERR_THRESHOLD", 3),
		OKThreshold:  envInt("DISPATCH_OK_THRESHOLD", 2),
		LockCooldown: envSeconds("DISPATCH_LOCK_COOLDOWN_SECONDS", 300),
	})

	b := breaker.New(breaker.Config{
		FailureThreshold: envInt("DISPATCH_FAILURE_THRESHOLD", 5),
		Window:           envSeconds("DISPATCH_WINDOW_SECONDS", 60),
		RecoveryTimeout:  envSeconds("DISPATCH_RECOVERY_TIMEOUT_SECONDS", 30),
		ProbeTimeout:     envSeconds("DISPATCH_PROBE_TIMEOUT_SECONDS", 10),
	})

	d := dispatch.New(q, tracker, b, dispatch.Config{
		TotalBudget:   envSeconds("DISPATCH_TOTAL_BUDGET_SECONDS", 90),
		PerCallBudget: envSeconds("DISPATCH_PER_CALL_SECONDS", 45),
	})

	apiHandler := api.NewAPI(q, tracker, b, d, demoCandidates, outcomes)

	port := envStr("PORT", "8080")
	server := &http.Server{
		Addr:    ":" + port,
		Handler: middleware.MetricsMiddleware(apiHandler),
	}

	go func() {
		log.Printf("dispatchd listening on :%s", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down dispatchd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown: %v", err)
	}
	if err := q.Shutdown(10 * time.Second); err != nil {
		log.Printf("queue shutdown: %v", err)
	}
}
