package operation

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/common"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) (*sql.DB, *OperationDB) {
	db, err := database.NewSQLiteDB(filepath.Join(t.TempDir(), "operation.db"))
	require.NoError(t, err)
	odb, err := NewOperationDB(db)
	require.NoError(t, err)
	t.Cleanup(func() {
		odb.Close()
		db.Close()
	})
	return db, odb
}

func TestSaveAndGet(t *testing.T) {
	_, odb := newTestDB(t)
	ctx := context.Background()

	op := New(Withdraw, common.RandEthAddress(), common.MustParseKind("50"))
	require.NoError(t, odb.Save(ctx, op))

	got, ok, err := odb.Get(ctx, op.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, op.Amount.Cmp(got.Amount))
	assert.Equal(t, op.Account, got.Account)
	assert.Equal(t, Created, got.State)
	assert.Equal(t, op.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())

	op.State = Burned
	op.BurnTxHash = common.RandHash()
	op.Attempts = 2
	op.LastError = "rpc getTransactionReceipt: EOF"
	op.UpdatedAt = time.Now().UTC()
	require.NoError(t, odb.Save(ctx, op))

	got, ok, err = odb.Get(ctx, "0x"+op.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Burned, got.State)
	assert.Equal(t, op.BurnTxHash, got.BurnTxHash)
	assert.Equal(t, [32]byte{}, [32]byte(got.RootExitTxHash))
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, op.LastError, got.LastError)

	_, ok, err = odb.Get(ctx, common.HashToPureHex(common.RandHash()))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTerminalRowsAreImmutable(t *testing.T) {
	_, odb := newTestDB(t)
	ctx := context.Background()

	op := New(Deposit, common.RandEthAddress(), common.MustParseKind("100"))
	op.State = DepositConfirmed
	require.NoError(t, odb.Save(ctx, op))

	op.State = Failed
	assert.ErrorIs(t, odb.Save(ctx, op), ErrImmutable)

	got, _, err := odb.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, DepositConfirmed, got.State)
}

func TestSaveRejectsInvalid(t *testing.T) {
	_, odb := newTestDB(t)
	ctx := context.Background()

	op := New(Deposit, common.RandEthAddress(), common.MustParseKind("1"))
	op.State = Burning
	assert.ErrorIs(t, odb.Save(ctx, op), ErrInvalidOperation)

	op = New(Withdraw, common.RandEthAddress(), common.MustParseKind("0"))
	assert.ErrorIs(t, odb.Save(ctx, op), ErrInvalidOperation)
}

func TestGetByStates(t *testing.T) {
	_, odb := newTestDB(t)
	ctx := context.Background()

	a := New(Deposit, common.RandEthAddress(), common.MustParseKind("1"))
	a.State = Approving
	b := New(Withdraw, common.RandEthAddress(), common.MustParseKind("2"))
	b.State = AwaitingCheckpoint
	b.BurnTxHash = common.RandHash()
	c := New(Withdraw, common.RandEthAddress(), common.MustParseKind("3"))
	c.State = Exited
	for _, op := range []*Operation{a, b, c} {
		require.NoError(t, odb.Save(ctx, op))
	}

	all, err := odb.GetByStates(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	waiting, err := odb.GetByStates(ctx, AwaitingCheckpoint)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, b.ID, waiting[0].ID)

	unfinished, err := odb.GetUnfinished(ctx)
	require.NoError(t, err)
	assert.Len(t, unfinished, 2)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	db, _ := newTestDB(t)
	_, err := NewOperationDB(db)
	assert.NoError(t, err)
}

func TestPersistedJSON(t *testing.T) {
	op := New(Withdraw, common.RandEthAddress(), common.MustParseKind("50"))
	op.State = AwaitingCheckpoint
	op.BurnTxHash = common.RandHash()

	b, err := json.Marshal(op)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"burnTxHash":"`+op.BurnTxHash.Hex()+`"`)
	assert.NotContains(t, string(b), "rootExitTxHash")

	var back Operation
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, op.ID, back.ID)
	assert.Equal(t, op.BurnTxHash, back.BurnTxHash)
	assert.Equal(t, 0, op.Amount.Cmp(back.Amount))
	assert.Equal(t, AwaitingCheckpoint, back.State)

	assert.Error(t, json.Unmarshal([]byte(`{"operationId":"x","kind":"deposit","amount":"1","account":"0x01","state":"created"}`), &back))
}

func TestStates(t *testing.T) {
	assert.True(t, Exited.IsTerminal())
	assert.True(t, Failed.IsTerminal())
	assert.False(t, Failed.IsSuccess())
	assert.False(t, AwaitingCheckpoint.IsTerminal())
	assert.True(t, Withdraw.Has(Exiting))
	assert.False(t, Deposit.Has(Exiting))

	op := New(Deposit, common.RandEthAddress(), common.MustParseKind("1"))
	cp := op.Clone()
	cp.Amount.SetInt64(5)
	assert.NotEqual(t, op.Amount, cp.Amount)
}
