package database

import (
	"context"
	"database/sql"
	"sync"
)

// StmtCache keeps prepared statements keyed by their query text so hot
// queries are parsed by sqlite once.
type StmtCache struct {
	db *sql.DB

	mu    sync.Mutex
	stmts map[string]*sql.Stmt
}

func NewStmtCache(db *sql.DB) *StmtCache {
	return &StmtCache{db: db, stmts: make(map[string]*sql.Stmt)}
}

func (sc *StmtCache) Prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if stmt, ok := sc.stmts[query]; ok {
		return stmt, nil
	}
	stmt, err := sc.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	sc.stmts[query] = stmt
	return stmt, nil
}

// Close releases every cached statement. The cache can be reused afterwards.
func (sc *StmtCache) Close() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	for q, stmt := range sc.stmts {
		_ = stmt.Close()
		delete(sc.stmts, q)
	}
}
