package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/testutils"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/pkg/config"
)

func TestRun_StartupFailureClosesResources(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := &config.Config{
		App:   config.AppConfig{Port: "127.0.0.1:0", Env: "local"},
		Redis: config.RedisConfig{Enabled: true, Addr: mr.Addr(), SnapshotTTL: time.Hour},
		Postgres: config.PostgresConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    1, // nothing listens here
			User:    "postgres",
			DBName:  "trading",
			SSLMode: "disable",
		},
	}

	done := make(chan error, 1)
	go func() { done <- run(context.Background(), cfg, zap.NewNop()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Expected an error for an unreachable database")
		}
	case <-time.After(30 * time.Second):
		t.Fatal("run did not return after a startup failure")
	}

	testutils.Eventually(t, 2*time.Second, func() bool {
		return mr.CurrentConnectionCount() == 0
	}, "redis client closed before run returned")
}
