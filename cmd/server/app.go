package main

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"portfolio-session-server/internal/config"
	"portfolio-session-server/internal/store"
)

func newLogger(cfg config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func openRepository(cfg config.Config) (store.Repository, error) {
	switch cfg.SnapshotBackend {
	case config.BackendFile:
		return store.NewFileRepository(cfg.SnapshotPath), nil
	case config.BackendBolt:
		return store.NewBoltRepository(cfg.SnapshotPath)
	case config.BackendRedis:
		return store.NewRedisRepository(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisKey), nil
	case config.BackendNone:
		return store.NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.SnapshotBackend)
	}
}

func newSealer(cfg config.Config) (*store.Sealer, error) {
	return store.NewSealer([]byte(cfg.SnapshotKey), nil)
}
