// Copyright 2025 James Ross

// Package redisclient constructs the pooled Redis client used by the
// Broker queue backend.
package redisclient

import (
	"runtime"
	"time"

	"github.com/dcf21/eas-orchestrator/internal/config"
	"github.com/redis/go-redis/v9"
)

// New returns a configured go-redis client with pooling and retries.
func New(cfg *config.Config) *redis.Client {
	poolSize := cfg.Queue.Redis.PoolSizeMultiplier * runtime.NumCPU()
	if poolSize <= 0 {
		poolSize = 10 * runtime.NumCPU()
	}
	return redis.NewClient(&redis.Options{
		Addr:            cfg.Queue.Redis.Addr,
		Username:        cfg.Queue.Redis.Username,
		Password:        cfg.Queue.Redis.Password,
		DB:              cfg.Queue.Redis.DB,
		PoolSize:        poolSize,
		MinIdleConns:    cfg.Queue.Redis.MinIdleConns,
		DialTimeout:     cfg.Queue.Redis.DialTimeout,
		ReadTimeout:     cfg.Queue.Redis.ReadTimeout,
		WriteTimeout:    cfg.Queue.Redis.WriteTimeout,
		MaxRetries:      cfg.Queue.Redis.MaxRetries,
		ConnMaxIdleTime: 5 * time.Minute,
	})
}
