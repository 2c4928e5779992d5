package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/salon-notify/internal/pkg/postgres"
	"github.com/bissquit/salon-notify/migrations"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const startupTimeout = 30 * time.Second

// PostgresContainer is a throwaway database with the schema applied.
type PostgresContainer struct {
	*tcpostgres.PostgresContainer
	ConnectionString string
}

// NewPostgresContainer starts PostgreSQL and runs every migration.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	c, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("salon_notify"),
		tcpostgres.WithUsername("notify"),
		tcpostgres.WithPassword("notify"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(startupTimeout),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("postgres connection string: %w", err)
	}
	if err := postgres.Migrate(migrations.FS, dsn); err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("migrate test database: %w", err)
	}

	return &PostgresContainer{PostgresContainer: c, ConnectionString: dsn}, nil
}

// MailpitContainer is an SMTP sink whose REST API lists what it received.
type MailpitContainer struct {
	testcontainers.Container
	SMTPHost string
	SMTPPort int
	APIHost  string
	APIPort  int
}

// APIURL returns the base URL of the Mailpit REST API.
func (m *MailpitContainer) APIURL() string {
	return fmt.Sprintf("http://%s:%d/api/v1", m.APIHost, m.APIPort)
}

// NewMailpitContainer starts Mailpit with SMTP on 1025 and the API on 8025.
func NewMailpitContainer(ctx context.Context) (*MailpitContainer, error) {
	c, err := startGeneric(ctx, testcontainers.ContainerRequest{
		Image:        "ghcr.io/axllent/mailpit:latest",
		ExposedPorts: []string{"1025/tcp", "8025/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("1025/tcp"),
			wait.ForHTTP("/api/v1/info").WithPort("8025/tcp"),
		).WithDeadline(startupTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("start mailpit container: %w", err)
	}

	host, smtpPort, err := endpoint(ctx, c, "1025/tcp")
	if err != nil {
		return nil, err
	}
	_, apiPort, err := endpoint(ctx, c, "8025/tcp")
	if err != nil {
		return nil, err
	}
	return &MailpitContainer{
		Container: c,
		SMTPHost:  host,
		SMTPPort:  smtpPort,
		APIHost:   host,
		APIPort:   apiPort,
	}, nil
}

// RedisContainer backs the in-app inbox in tests.
type RedisContainer struct {
	testcontainers.Container
	URL string
}

// NewRedisContainer starts Redis and returns its redis:// URL.
func NewRedisContainer(ctx context.Context) (*RedisContainer, error) {
	c, err := startGeneric(ctx, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(startupTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("start redis container: %w", err)
	}

	host, port, err := endpoint(ctx, c, "6379/tcp")
	if err != nil {
		return nil, err
	}
	return &RedisContainer{Container: c, URL: fmt.Sprintf("redis://%s:%d/0", host, port)}, nil
}

func startGeneric(ctx context.Context, req testcontainers.ContainerRequest) (testcontainers.Container, error) {
	return testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
}

// endpoint resolves the host and mapped port; it terminates c on failure.
func endpoint(ctx context.Context, c testcontainers.Container, port string) (string, int, error) {
	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		return "", 0, fmt.Errorf("container host: %w", err)
	}
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		_ = c.Terminate(ctx)
		return "", 0, fmt.Errorf("mapped port %s: %w", port, err)
	}
	return host, mapped.Int(), nil
}
