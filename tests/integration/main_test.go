//go:build integration

package integration

import (
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/AYHALOUI/retry-queue/internal/app"
	"github.com/AYHALOUI/retry-queue/internal/config"
	"github.com/AYHALOUI/retry-queue/internal/testutil"
	"github.com/golang-jwt/jwt/v5"
)

const testAuthSecret = "integration-test-secret"

var (
	testServer *httptest.Server
	testClient *testutil.Client
	downstream *fakeCRM
)

// fakeCRM stands in for the downstream CRM proxy. Responses are scripted
// per entity type; unknown entity types succeed.
type fakeCRM struct {
	mu       sync.Mutex
	statuses map[string][]int
	calls    map[string]int
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{
		statuses: make(map[string][]int),
		calls:    make(map[string]int),
	}
}

// Script sets the sequence of status codes returned for an entity type.
// Once the sequence is exhausted the last status repeats.
func (f *fakeCRM) Script(entityType string, statuses ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[entityType] = statuses
	f.calls[entityType] = 0
}

// Calls returns how many deliveries were attempted for an entity type.
func (f *fakeCRM) Calls(entityType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[entityType]
}

func (f *fakeCRM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	entityType := r.URL.Path[1:]

	f.mu.Lock()
	statuses := f.statuses[entityType]
	idx := f.calls[entityType]
	f.calls[entityType]++
	f.mu.Unlock()

	status := http.StatusOK
	if len(statuses) > 0 {
		if idx >= len(statuses) {
			idx = len(statuses) - 1
		}
		status = statuses[idx]
	}
	w.WriteHeader(status)
}

// operatorToken signs a short-lived token accepted by the operator routes.
func operatorToken(t *testing.T) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator@example.com",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testAuthSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	downstream = newFakeCRM()
	crmServer := httptest.NewServer(downstream)
	defer crmServer.Close()

	cfg := &config.Config{
		Server: config.ServerConfig{
			Host:              "127.0.0.1",
			Port:              "0",
			MetricsPort:       "0",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
		},
		Database: config.DatabaseConfig{
			Driver:          "postgres",
			URL:             pgContainer.ConnectionString,
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 3,
			Migrate:         true,
		},
		Log: config.LogConfig{
			Level:  "error",
			Format: "text",
		},
		Queue: config.QueueConfig{
			MaxRetries:     3,
			AttemptTimeout: 5 * time.Second,
			BatchSize:      100,
			Backoff: config.BackoffConfig{
				// Short fixed interval so retried items come due again
				// within the test timeline.
				Strategy: "fixed",
				Interval: 10 * time.Millisecond,
			},
		},
		// Scheduler DISABLED: tests trigger processing cycles explicitly
		// through POST /queue/process so outcomes are deterministic.
		Scheduler: config.SchedulerConfig{
			Enabled: false,
		},
		Delivery: config.DeliveryConfig{
			BaseURL: crmServer.URL,
			Timeout: 5 * time.Second,
		},
		Auth: config.AuthConfig{
			Enabled:   true,
			SecretKey: testAuthSecret,
		},
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("create app: %v", err)
	}

	testServer = httptest.NewServer(application.Router())
	testClient = testutil.NewClient(testServer.URL)

	code := m.Run()

	testServer.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown app: %v", err)
	}

	os.Exit(code)
}
