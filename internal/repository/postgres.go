package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/opensource-finance/wastebill/internal/domain"
)

// openTimeout bounds the initial ping of either database.
const openTimeout = 10 * time.Second

// postgresDSN builds a postgres:// URL from the config. Credentials are escaped,
// so passwords may contain any character.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host, port, db := cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresDB
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = 5432
	}
	if db == "" {
		db = "wastebill"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + db,
	}
	if cfg.PostgresUser != "" {
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	}
	q := url.Values{}
	q.Set("sslmode", sslmode)
	q.Set("application_name", "wastebill")
	q.Set("connect_timeout", strconv.Itoa(int(openTimeout.Seconds())))
	u.RawQuery = q.Encode()
	return u.String()
}

// openPostgres connects through lib/pq and verifies the server answers.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	connector, err := pq.NewConnector(postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("invalid postgres configuration: %w", err)
	}
	db := sql.OpenDB(connector)

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres at %s:%d: %w", cfg.PostgresHost, cfg.PostgresPort, err)
	}
	return db, nil
}
