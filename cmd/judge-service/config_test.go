package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"contestjudge/internal/judge/controller"
	"contestjudge/internal/judge/language"
	"contestjudge/internal/judge/progress"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/kafka-go"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "judge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const baseConfig = `
database:
  dsn: "judge:judge@tcp(127.0.0.1:3306)/contest?parseTime=true"
redis:
  addr: "127.0.0.1:6379"
auth:
  secret: "s3cret"
`

func TestLoadAppConfigDefaults(t *testing.T) {
	path := writeConfig(t, baseConfig+`
judge:
  mode: " SYNC "
  poolSize: 3
languages:
  - language: go
    sourceFile: main.go
    command: "go run {src}"
`)
	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("loadAppConfig: %v", err)
	}
	if cfg.Judge.Mode != "sync" {
		t.Fatalf("mode = %q", cfg.Judge.Mode)
	}
	if cfg.Server.Addr != defaultHTTPAddr || cfg.Server.ReadTimeout != defaultReadTimeout {
		t.Fatalf("server defaults not applied: %+v", cfg.Server)
	}
	if cfg.Kafka.JudgeTopic != "judge.tasks" || cfg.Kafka.Concurrency != 3 {
		t.Fatalf("kafka defaults not applied: %+v", cfg.Kafka)
	}
	if cfg.Status.TTL != defaultStatusTTL || cfg.Status.FinalTopic != "judge.status.final" {
		t.Fatalf("status defaults not applied: %+v", cfg.Status)
	}
	if cfg.Sandbox.LifetimeSlack != defaultLifetimeSlack {
		t.Fatalf("lifetime slack = %v", cfg.Sandbox.LifetimeSlack)
	}
	if cfg.Redis.PoolSize == 0 {
		t.Fatalf("redis defaults not applied")
	}
	if len(cfg.Languages) != 1 || cfg.Languages[0].Language != "go" {
		t.Fatalf("languages = %+v", cfg.Languages)
	}
}

func TestLoadAppConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "missing dsn", body: "redis:\n  addr: x\nauth:\n  secret: s\n", want: "database dsn"},
		{name: "missing secret", body: "database:\n  dsn: x\nredis:\n  addr: x\n", want: "auth secret"},
		{name: "async without brokers", body: baseConfig, want: "kafka brokers"},
		{name: "unknown mode", body: baseConfig + "judge:\n  mode: batch\n", want: "unknown judge mode"},
		{name: "minio without bucket", body: baseConfig + "judge:\n  mode: sync\nminio:\n  endpoint: 127.0.0.1:9000\n", want: "source bucket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadAppConfig(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestKafkaConfigConversion(t *testing.T) {
	k := KafkaConfig{
		Brokers:       []string{"b1:9092"},
		RequiredAcks:  -1,
		Compression:   "ZSTD",
		ConsumerGroup: "judge",
		Concurrency:   4,
		MaxRetries:    2,
		RetryDelay:    time.Second,
		DeadLetter:    "judge.dlq",
	}
	mqCfg := k.toMQConfig()
	if mqCfg.Compression != kafka.Zstd || mqCfg.RequiredAcks != kafka.RequireAll {
		t.Fatalf("mq config = %+v", mqCfg)
	}
	opts := k.subscribeOptions()
	if opts.ConsumerGroup != "judge" || opts.Concurrency != 4 || opts.DeadLetterTopic != "judge.dlq" {
		t.Fatalf("subscribe options = %+v", opts)
	}
	if parseCompression("unknown") != kafka.Compression(0) {
		t.Fatalf("unknown compression should disable compression")
	}
}

func newTestRouter(t *testing.T, health func(context.Context) error) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	resolver, err := language.NewResolver()
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	hub := progress.NewHub(progress.HubOptions{})
	t.Cleanup(hub.Close)
	return buildRouter(routerDeps{
		judge:    controller.NewJudgeController(nil, resolver),
		progress: progress.NewHandler(hub, nil),
		metrics:  http.NotFoundHandler(),
		health:   health,
	})
}

func TestRouterHealthz(t *testing.T) {
	ok := newTestRouter(t, func(context.Context) error { return nil })
	w := httptest.NewRecorder()
	ok.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("healthz = %d", w.Code)
	}

	down := newTestRouter(t, func(context.Context) error { return errors.New("redis down") })
	w = httptest.NewRecorder()
	down.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz = %d", w.Code)
	}
}

func TestRouterRoutes(t *testing.T) {
	r := newTestRouter(t, func(context.Context) error { return nil })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/judge/languages", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "python") {
		t.Fatalf("languages = %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/judge/submissions", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("submit without authenticator = %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown route = %d", w.Code)
	}
}
