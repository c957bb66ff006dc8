package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Container wraps any started test container; the zero value is a no-op.
type Container struct {
	C testcontainers.Container
}

func (c *Container) Terminate(ctx context.Context) error {
	if c == nil || c.C == nil {
		return nil
	}
	return c.C.Terminate(ctx)
}

// StartPostgres starts a disposable Postgres for the dispute schema and
// returns its DSN.
func StartPostgres(ctx context.Context, image string) (*Container, string, error) {
	if image == "" {
		image = "postgres:16-alpine"
	}
	pgC, err := postgres.Run(ctx, image,
		postgres.WithDatabase("dispute_stress"),
		postgres.WithUsername("disputes"),
		postgres.WithPassword("disputes"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90*time.Second)),
	)
	if err != nil {
		return nil, "", fmt.Errorf("infra: start postgres: %w", err)
	}
	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", fmt.Errorf("infra: postgres dsn: %w", err)
	}
	return &Container{C: pgC}, dsn, nil
}

// StartRedis starts a Redis for the sweep lease and returns host:port.
func StartRedis(ctx context.Context) (*Container, string, error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("infra: start redis: %w", err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", fmt.Errorf("infra: redis host: %w", err)
	}
	port, err := c.MappedPort(ctx, "6379")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", fmt.Errorf("infra: redis port: %w", err)
	}
	return &Container{C: c}, fmt.Sprintf("%s:%s", host, port.Port()), nil
}
