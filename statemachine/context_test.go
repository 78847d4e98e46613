package statemachine

import (
	"testing"

	"github.com/stretchr/testify/require"

	testobserve "github.com/corechain-org/corechain/internal/testutils/observability"
	"github.com/corechain-org/corechain/keyvaluedb/memorydb"
	"github.com/corechain-org/corechain/state"
	"github.com/corechain-org/corechain/types"
)

func TestImmutableContext_GetStoreIsReadOnly(t *testing.T) {
	store := state.NewStore(memorydb.New(), nil)
	require.NoError(t, store.GetStore(5, []byte{1}).Set([]byte("k"), []byte("v")))
	txCtx := NewTransactionContext(TransactionContextParams{
		Logger:      testobserve.NOPObservability().Logger(),
		ChainID:     chainID,
		Header:      &types.BlockHeader{Height: 1},
		Transaction: &types.Transaction{},
		Store:       store,
	})

	verifyCtx := txCtx.CreateTransactionVerifyContext()
	views := map[string]ImmutableStore{
		"verify context": verifyCtx.GetStore(5, []byte{1}),
		"method context": verifyCtx.MethodContext().GetStore(5, []byte{1}),
		"command verify": txCtx.CreateCommandVerifyContext().GetStore(5, []byte{1}),
	}
	for name, view := range views {
		t.Run(name, func(t *testing.T) {
			_, ok := view.(*state.Store)
			require.False(t, ok, "store with write access must not be handed out")
			_, ok = view.(interface{ Set(key, value []byte) error })
			require.False(t, ok)

			v, err := view.Get([]byte("k"))
			require.NoError(t, err)
			require.Equal(t, []byte("v"), v)
			has, err := view.Has([]byte("x"))
			require.NoError(t, err)
			require.False(t, has)
			kvs, err := view.Iterate(state.IterateOptions{})
			require.NoError(t, err)
			require.Len(t, kvs, 1)
			require.ErrorIs(t, view.GetWithSchema([]byte("x"), &struct{}{}), state.ErrNotFound)
		})
	}
}
