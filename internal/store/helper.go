package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SetupTestDatabase starts a throwaway Postgres container, applies the
// migrations, and returns the container plus its connection string.
func SetupTestDatabase() (testcontainers.Container, string, error) {
	containerReq := testcontainers.ContainerRequest{
		Image:        "postgres:latest",
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp"),
		Env: map[string]string{
			"POSTGRES_DB":       "flextasker",
			"POSTGRES_PASSWORD": "flextasker",
			"POSTGRES_USER":     "flextasker",
		},
	}
	dbContainer, err := testcontainers.GenericContainer(
		context.Background(),
		testcontainers.GenericContainerRequest{
			ContainerRequest: containerReq,
			Started:          true,
		})
	if err != nil {
		return nil, "", err
	}
	port, err := dbContainer.MappedPort(context.Background(), "5432")
	if err != nil {
		return nil, "", err
	}
	host, err := dbContainer.Host(context.Background())
	if err != nil {
		return nil, "", err
	}

	dbURI := fmt.Sprintf("postgres://flextasker:flextasker@%v:%v/flextasker?sslmode=disable", host, port.Port())
	if err = MigrateDb(dbURI); err != nil {
		return nil, "", err
	}
	return dbContainer, dbURI, nil
}

// MigrateDb applies the embedded migrations against dbURI.
func MigrateDb(dbURI string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, strings.Replace(dbURI, "postgres://", "pgx://", 1))
	if err != nil {
		return err
	}
	if err = m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
