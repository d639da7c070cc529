package database

import (
	"context"
	"database/sql"
	"sync"
)

// to cache prepared sql statement, which maps query string to stmt.
type StmtCache struct {
	db *sql.DB
	m  sync.Map
}

func NewStmtCache(db *sql.DB) *StmtCache {
	return &StmtCache{db: db}
}

func (sc *StmtCache) Prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	cached, _ := sc.m.Load(query)
	if cached == nil {
		stmt, err := sc.db.PrepareContext(ctx, query)
		if err != nil {
			return nil, err
		}
		// another goroutine may have won the race, keep the first one
		actual, loaded := sc.m.LoadOrStore(query, stmt)
		if loaded {
			_ = stmt.Close()
		}
		cached = actual
	}
	return cached.(*sql.Stmt), nil
}

// PrepareTx returns the cached statement bound to tx.
func (sc *StmtCache) PrepareTx(ctx context.Context, tx *sql.Tx, query string) (*sql.Stmt, error) {
	stmt, err := sc.Prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	return tx.StmtContext(ctx, stmt), nil
}

func (sc *StmtCache) Clear() {
	sc.m.Range(func(k, v interface{}) bool {
		_ = v.(*sql.Stmt).Close()
		sc.m.Delete(k)
		return true
	})
}
