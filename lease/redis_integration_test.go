//go:build integration

package lease

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *RedisLease {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start Redis container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}

	l, err := NewRedisLease(RedisConfig{Addr: fmt.Sprintf("%s:%s", host, port.Port()), KeyPrefix: "test"}, nil)
	if err != nil {
		t.Fatalf("new lease: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	for i := 0; i < 30; i++ {
		if err := l.Ping(ctx); err == nil {
			return l
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("redis not reachable")
	return nil
}

func TestRedisLease_Exclusive(t *testing.T) {
	l := setupRedis(t)
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx, "dispute-1", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, err := l.Acquire(ctx, "dispute-1", 5*time.Second); err != nil || ok {
		t.Fatalf("second acquire: ok=%v err=%v", ok, err)
	}
	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, err := l.Acquire(ctx, "dispute-1", 5*time.Second); err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestRedisLease_Expires(t *testing.T) {
	l := setupRedis(t)
	ctx := context.Background()

	if _, ok, err := l.Acquire(ctx, "dispute-2", 200*time.Millisecond); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	time.Sleep(400 * time.Millisecond)
	if _, ok, err := l.Acquire(ctx, "dispute-2", time.Second); err != nil || !ok {
		t.Fatalf("acquire after ttl: ok=%v err=%v", ok, err)
	}
}
