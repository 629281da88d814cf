package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/querygen/querygen/internal/cli/querygenctl"
	s3store "github.com/querygen/querygen/internal/storage/s3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("QUERYGEN_CLI_TIMEOUT")), 30*time.Second)
	options := querygenctl.Options{
		BaseURL: envOr("QUERYGEN_API_URL", "http://localhost:8080"),
		APIKey:  strings.TrimSpace(os.Getenv("QUERYGEN_API_KEY")),
		Timeout: timeout,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Audit: s3store.Config{
			Endpoint:        strings.TrimSpace(os.Getenv("QUERYGEN_AUDIT_ENDPOINT")),
			Region:          envOr("QUERYGEN_AUDIT_REGION", "us-east-1"),
			Bucket:          strings.TrimSpace(os.Getenv("QUERYGEN_AUDIT_BUCKET")),
			Prefix:          envOr("QUERYGEN_AUDIT_PREFIX", "querygen/audit"),
			AccessKeyID:     strings.TrimSpace(os.Getenv("QUERYGEN_AUDIT_ACCESS_KEY")),
			SecretAccessKey: strings.TrimSpace(os.Getenv("QUERYGEN_AUDIT_SECRET_KEY")),
			UseSSL:          strings.EqualFold(strings.TrimSpace(os.Getenv("QUERYGEN_AUDIT_USE_SSL")), "true"),
		},
	}

	code := querygenctl.Run(ctx, os.Args[1:], options)
	stop()
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid QUERYGEN_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
