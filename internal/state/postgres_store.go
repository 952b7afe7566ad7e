package state

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func NewPostgresStore(dsn string) (*SQLStore, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store, err := newSQLStore(ctx, db, "postgres")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
