//go:build integration

package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	mongoPort nat.Port = "27017/tcp"
	redisPort nat.Port = "6379/tcp"
)

// onTmpfs keeps container data in memory.
func onTmpfs(dir string) func(*container.HostConfig) {
	return func(hc *container.HostConfig) {
		hc.Tmpfs = map[string]string{dir: "rw"}
	}
}

// StartMongo starts a disposable MongoDB container and returns its connection
// string. The container is terminated when the test finishes.
func StartMongo(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts:       []string{string(mongoPort)},
		WaitingFor:         wait.ForListeningPort(mongoPort).WithStartupTimeout(60 * time.Second),
		HostConfigModifier: onTmpfs("/data/db"),
	}

	mongoC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Mongo container: %v", err)
	}

	t.Cleanup(func() {
		if err := mongoC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Mongo container: %v", err)
		}
	})

	host, err := mongoC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := mongoC.MappedPort(ctx, mongoPort)
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	return fmt.Sprintf("mongodb://%s:%s/", host, port.Port())
}

// StartRedis starts a disposable Redis container and returns its URL.
func StartRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts:       []string{string(redisPort)},
		WaitingFor:         wait.ForLog("Ready to accept connections"),
		HostConfigModifier: onTmpfs("/data"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisC.MappedPort(ctx, redisPort)
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}
