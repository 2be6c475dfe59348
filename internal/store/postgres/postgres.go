package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conveyorhq/conveyor/config"
)

// Open will connect to the DB with custom configuration
func Open(conf config.DBConfig) (*pgxpool.Pool, error) {
	pgxConf, err := pgxpool.ParseConfig(conf.DSN)
	if err != nil {
		return nil, err
	}

	if conf.MaxOpenConnection > 0 {
		pgxConf.MaxConns = int32(conf.MaxOpenConnection)
	}
	if conf.MinOpenConnection > 0 {
		pgxConf.MinConns = int32(conf.MinOpenConnection)
	}

	dbPool, err := pgxpool.NewWithConfig(context.Background(), pgxConf)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	return dbPool, nil // cleanup to be done with dbPool.Close()
}
