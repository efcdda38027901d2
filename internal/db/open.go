package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// Config selects where the index lives. A non-empty Url opens a remote libsql database, otherwise File is
// opened with the embedded sqlite driver (":memory:" works too).
type Config struct {
	File      string `json:"file"`
	Url       string `json:"url"`
	AuthToken string `json:"auth_token"`
}

// Open opens the database described by config and makes sure the schema exists.
func Open(ctx context.Context, config Config) (*sql.DB, error) {
	database, err := open(config)
	if err != nil {
		return nil, err
	}
	_, err = database.ExecContext(ctx, Schema)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return database, nil
}

func open(config Config) (*sql.DB, error) {
	if config.Url != "" {
		dsn := config.Url
		if config.AuthToken != "" {
			parsed, err := url.Parse(config.Url)
			if err != nil {
				return nil, fmt.Errorf("parse libsql url: %w", err)
			}
			query := parsed.Query()
			query.Set("authToken", config.AuthToken)
			parsed.RawQuery = query.Encode()
			dsn = parsed.String()
		}
		return sql.Open("libsql", dsn)
	}

	file := config.File
	if file == "" || file == ":memory:" {
		database, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			return nil, err
		}
		// every connection to :memory: is a different database
		database.SetMaxOpenConns(1)
		return database, nil
	}

	err := os.MkdirAll(filepath.Dir(file), 0o755)
	if err != nil {
		return nil, err
	}
	database, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", file))
	if err != nil {
		return nil, err
	}
	return database, nil
}
