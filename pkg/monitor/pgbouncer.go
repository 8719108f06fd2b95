package monitor

import (
	"fmt"
	"net/url"
	"strings"
)

type PoolMode string

const (
	PoolModeSession     PoolMode = "session"
	PoolModeTransaction PoolMode = "transaction"
	PoolModeStatement   PoolMode = "statement"
)

// PgBouncerSettings is the advisory pooler sizing derived from current
// utilization. This core generates configuration for PgBouncer; it does
// not implement pooling itself.
type PgBouncerSettings struct {
	MaxConnections    int      `json:"maxConnections"`
	MinConnections    int      `json:"minConnections"`
	IdleTimeout       int      `json:"idleTimeout"`
	ConnectionTimeout int      `json:"connectionTimeout"`
	PoolMode          PoolMode `json:"poolMode"`
}

// PgBouncerSettings biases toward transaction pooling once utilization
// climbs, trading session features for concurrency.
func (m *Monitor) PgBouncerSettings() *PgBouncerSettings {
	_, utilization := m.routerRates()

	settings := &PgBouncerSettings{
		MaxConnections:    50,
		MinConnections:    10,
		IdleTimeout:       600,
		ConnectionTimeout: 10,
		PoolMode:          PoolModeSession,
	}
	if utilization > 0.6 {
		settings.PoolMode = PoolModeTransaction
		settings.MaxConnections = 100
		settings.MinConnections = 20
		settings.IdleTimeout = 300
	}
	return settings
}

// RenderPgBouncerConfig renders the settings plus the configured
// database URLs into pgbouncer.ini text. A missing read-replica setting
// renders only the write stanza.
func (m *Monitor) RenderPgBouncerConfig() string {
	settings := m.PgBouncerSettings()

	var b strings.Builder
	b.WriteString("[databases]\n")
	if stanza, ok := dbStanza(m.urls.Write); ok {
		fmt.Fprintf(&b, "flextasker_write = %s\n", stanza)
	}
	for i, readURL := range m.urls.Reads {
		if stanza, ok := dbStanza(readURL); ok {
			fmt.Fprintf(&b, "flextasker_read_%d = %s\n", i+1, stanza)
		}
	}

	b.WriteString("\n[pgbouncer]\n")
	fmt.Fprintf(&b, "pool_mode = %s\n", settings.PoolMode)
	fmt.Fprintf(&b, "max_client_conn = %d\n", settings.MaxConnections*2)
	fmt.Fprintf(&b, "default_pool_size = %d\n", settings.MaxConnections)
	fmt.Fprintf(&b, "min_pool_size = %d\n", settings.MinConnections)
	fmt.Fprintf(&b, "server_idle_timeout = %d\n", settings.IdleTimeout)
	fmt.Fprintf(&b, "server_connect_timeout = %d\n", settings.ConnectionTimeout)
	b.WriteString("listen_addr = 0.0.0.0\n")
	b.WriteString("listen_port = 6432\n")
	return b.String()
}

// dbStanza turns a postgres URL into a host/port/dbname stanza line.
// Unparseable or empty URLs are skipped rather than rendered broken.
func dbStanza(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "5432"
	}
	dbname := strings.TrimPrefix(u.Path, "/")
	if dbname == "" {
		dbname = "postgres"
	}
	return fmt.Sprintf("host=%s port=%s dbname=%s", host, port, dbname), true
}
