package operation

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/common"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/database"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const columns = ` id, kind, amount, account, state, approve_tx_hash, deposit_tx_hash, burn_tx_hash,
	root_exit_tx_hash, last_error, attempts, created_at, updated_at `

// OperationDB persists operations so they can be resumed after a restart.
// Hashes and addresses are stored as hex without 0x, amounts as decimal text.
type OperationDB struct {
	stmtCache *database.StmtCache
}

func NewOperationDB(db *sql.DB) (*OperationDB, error) {
	// 1. Bring the schema up to date.
	if err := database.RunMigrations(db, "operation", migrationsFS, "migrations"); err != nil {
		return nil, err
	}

	// 2. A stmt cache + db.
	return &OperationDB{
		stmtCache: database.NewStmtCache(db),
	}, nil
}

func (odb *OperationDB) Close() {
	odb.stmtCache.Close()
}

func nullHash(h ethcommon.Hash) sql.NullString {
	s := common.HashToPureHex(h)
	return sql.NullString{String: s, Valid: s != ""}
}

// Save inserts op or updates the stored row. A row that reached a terminal
// state is never overwritten.
func (odb *OperationDB) Save(ctx context.Context, op *Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}

	query := `INSERT INTO bridge_operation (` + columns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			approve_tx_hash = excluded.approve_tx_hash,
			deposit_tx_hash = excluded.deposit_tx_hash,
			burn_tx_hash = excluded.burn_tx_hash,
			root_exit_tx_hash = excluded.root_exit_tx_hash,
			last_error = excluded.last_error,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at
		WHERE bridge_operation.state NOT IN ('deposit_confirmed', 'exited', 'failed')`
	stmt, err := odb.stmtCache.Prepare(ctx, query)
	if err != nil {
		return err
	}

	res, err := stmt.ExecContext(ctx,
		op.ID,
		op.Kind,
		op.Amount.String(),
		op.Account.Hex()[2:],
		op.State,
		nullHash(op.ApproveTxHash),
		nullHash(op.DepositTxHash),
		nullHash(op.BurnTxHash),
		nullHash(op.RootExitTxHash),
		op.LastError,
		op.Attempts,
		op.CreatedAt.UnixMilli(),
		op.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrImmutable, op.ID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*Operation, error) {
	var (
		op                               Operation
		amount, account                  string
		approve, deposit, burn, rootExit sql.NullString
		createdAt, updatedAt             int64
	)
	if err := row.Scan(&op.ID, &op.Kind, &amount, &account, &op.State, &approve, &deposit, &burn,
		&rootExit, &op.LastError, &op.Attempts, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var ok bool
	if op.Amount, ok = new(big.Int).SetString(amount, 10); !ok {
		return nil, fmt.Errorf("%w: stored amount %q", ErrInvalidOperation, amount)
	}
	op.Account = ethcommon.HexToAddress(account)
	op.ApproveTxHash = common.PureHexToHash(approve.String)
	op.DepositTxHash = common.PureHexToHash(deposit.String)
	op.BurnTxHash = common.PureHexToHash(burn.String)
	op.RootExitTxHash = common.PureHexToHash(rootExit.String)
	op.CreatedAt = time.UnixMilli(createdAt).UTC()
	op.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &op, nil
}

func (odb *OperationDB) Get(ctx context.Context, id string) (*Operation, bool, error) {
	query := `SELECT` + columns + `FROM bridge_operation WHERE id = ?`
	stmt, err := odb.stmtCache.Prepare(ctx, query)
	if err != nil {
		return nil, false, err
	}

	op, err := scanOperation(stmt.QueryRowContext(ctx, common.Trim0xPrefix(id)))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	return op, true, nil
}

// GetByStates returns the operations in any of states, oldest first. No
// states means all operations.
func (odb *OperationDB) GetByStates(ctx context.Context, states ...State) ([]*Operation, error) {
	query := `SELECT` + columns + `FROM bridge_operation`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		query += ` WHERE state IN (?` + strings.Repeat(", ?", len(states)-1) + `)`
		for _, s := range states {
			args = append(args, s)
		}
	}
	query += ` ORDER BY created_at, id`

	stmt, err := odb.stmtCache.Prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// GetUnfinished returns every operation that has not reached a terminal state.
func (odb *OperationDB) GetUnfinished(ctx context.Context) ([]*Operation, error) {
	return odb.GetByStates(ctx, Created, Approving, Approved, Depositing, Burning, Burned, AwaitingCheckpoint, Exiting)
}
