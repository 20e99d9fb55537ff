// internal/catalog/store_test.go
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solatis/ptufix/internal/core/db"
	"github.com/solatis/ptufix/internal/types"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	ctx := context.Background()

	database, err := db.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	_, err = db.MigrateUp(ctx, database)
	require.NoError(t, err)

	queries, err := db.LoadQueries()
	require.NoError(t, err)

	store, err := NewStore(database, queries, opts)
	require.NoError(t, err)
	return store
}

func sampleRule(id string, priority int) types.Rule {
	return types.Rule{
		ID:          id,
		Name:        "rule " + id,
		Category:    types.CategoryItemRejection,
		Active:      true,
		Priority:    priority,
		Condition:   json.RawMessage(`{"op": "exists", "path": "./ptu:seq_item"}`),
		Action:      json.RawMessage(`{"type": "remove", "path": "./ptu:obs"}`),
		ContextTag:  "procedimentosExecutados",
		Accountable: true,
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})

	created, err := store.Create(ctx, sampleRule("R1", 10), "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, created.Version)
	assert.Equal(t, "alice", created.CreatedBy)

	got, err := store.Get(ctx, "R1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "rule R1", got.Name)
	assert.Equal(t, types.CategoryItemRejection, got.Category)
	assert.True(t, got.Active)
	assert.True(t, got.Accountable)
	assert.JSONEq(t, `{"op":"exists","path":"./ptu:seq_item"}`, string(got.Condition))
	assert.False(t, got.CreatedAt.IsZero())

	missing, err := store.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_CreateDuplicate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})

	_, err := store.Create(ctx, sampleRule("R1", 10), "alice")
	require.NoError(t, err)

	_, err = store.Create(ctx, sampleRule("R1", 20), "bob")
	assert.ErrorIs(t, err, types.ErrAlreadyExists)

	history, err := store.History(ctx, "R1")
	require.NoError(t, err)
	assert.Len(t, history, 1, "failed create leaves no history")
}

func TestStore_CreateRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	rejected := errors.New("does not compile")
	store := newTestStore(t, Options{Validator: func(r types.Rule) error {
		if r.ID == "BAD" {
			return rejected
		}
		return nil
	}})

	bad := sampleRule("R1", 10)
	bad.Category = "REFUND"
	_, err := store.Create(ctx, bad, "alice")
	assert.ErrorIs(t, err, types.ErrInvalidRule)

	_, err = store.Create(ctx, sampleRule("BAD", 10), "alice")
	assert.ErrorIs(t, err, rejected)

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStore_ListActiveOrderingAndCache(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})

	for _, r := range []types.Rule{sampleRule("B", 10), sampleRule("A", 10), sampleRule("C", 5)} {
		_, err := store.Create(ctx, r, "alice")
		require.NoError(t, err)
	}

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A", "B"}, ids(active))

	_, err = store.Toggle(ctx, "A", false, "alice", "noisy")
	require.NoError(t, err)

	active, err = store.ListActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B"}, ids(active), "cache invalidated by toggle")

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A", "B"}, ids(all))
}

func TestStore_UpdateWritesHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})

	_, err := store.Create(ctx, sampleRule("R1", 10), "alice")
	require.NoError(t, err)

	prio := 3
	updated, err := store.Update(ctx, "R1", types.RuleUpdate{Priority: &prio}, "bob", "earlier")
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, 3, updated.Priority)
	assert.Equal(t, "bob", updated.UpdatedBy)
	assert.Equal(t, "alice", updated.CreatedBy)

	history, err := store.History(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, types.ChangeUpdate, history[0].ChangeType, "newest first")
	assert.Equal(t, "earlier", history[0].Reason)
	assert.Equal(t, types.ChangeCreate, history[1].ChangeType)

	var pre types.Rule
	require.NoError(t, json.Unmarshal(history[0].PreImage, &pre))
	assert.Equal(t, 10, pre.Priority, "pre-image holds the old priority")
	assert.Equal(t, 1, pre.Version)
}

func TestStore_UpdateInvalidRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})

	_, err := store.Create(ctx, sampleRule("R1", 10), "alice")
	require.NoError(t, err)

	band := types.ImpactBand("EXTREME")
	_, err = store.Update(ctx, "R1", types.RuleUpdate{ImpactBand: &band}, "bob", "")
	assert.ErrorIs(t, err, types.ErrInvalidRule)

	got, err := store.Get(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)

	history, err := store.History(ctx, "R1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestStore_MissingIDIsNoop(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})

	prio := 1
	updated, err := store.Update(ctx, "ghost", types.RuleUpdate{Priority: &prio}, "bob", "")
	assert.NoError(t, err)
	assert.Nil(t, updated)

	toggled, err := store.Toggle(ctx, "ghost", false, "bob", "")
	assert.NoError(t, err)
	assert.Nil(t, toggled)

	deleted, err := store.Delete(ctx, "ghost", "bob", "")
	assert.NoError(t, err)
	assert.Nil(t, deleted)
}

func TestStore_DeleteKeepsHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})

	_, err := store.Create(ctx, sampleRule("R1", 10), "alice")
	require.NoError(t, err)

	deleted, err := store.Delete(ctx, "R1", "bob", "obsolete")
	require.NoError(t, err)
	require.NotNil(t, deleted)
	assert.Equal(t, "R1", deleted.ID)

	got, err := store.Get(ctx, "R1")
	require.NoError(t, err)
	assert.Nil(t, got)

	history, err := store.History(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, types.ChangeDelete, history[0].ChangeType)

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestStore_ConcurrentUpdatesSerialized(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})

	_, err := store.Create(ctx, sampleRule("R1", 10), "alice")
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			_, err := store.Update(ctx, "R1", types.RuleUpdate{Priority: &p}, "bob", "")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	got, err := store.Get(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, writers+1, got.Version)

	history, err := store.History(ctx, "R1")
	require.NoError(t, err)
	assert.Len(t, history, writers+1)
}

func TestStore_CodeLists(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})

	set, err := store.CodeSet(ctx, "pacotes")
	require.NoError(t, err)
	assert.Nil(t, set, "missing list")

	list := types.CodeList{
		ListID: "pacotes",
		Name:   "Pacotes",
		Entries: []types.CodeEntry{
			{Code: "10101012"},
			{Code: "10101020", Attributes: map[string]string{"porte": "2"}},
		},
	}
	require.NoError(t, store.UpsertList(ctx, list, "alice"))

	codes, err := store.List(ctx, "pacotes")
	require.NoError(t, err)
	assert.Equal(t, []string{"10101012", "10101020"}, codes)

	set, err = store.CodeSet(ctx, "pacotes")
	require.NoError(t, err)
	attrs, ok := set.Attributes("10101020")
	require.True(t, ok)
	assert.Equal(t, "2", attrs["porte"])

	list.Entries = []types.CodeEntry{{Code: "99"}}
	require.NoError(t, store.UpsertList(ctx, list, "bob"))

	codes, err = store.List(ctx, "pacotes")
	require.NoError(t, err)
	assert.Equal(t, []string{"99"}, codes, "memo invalidated by upsert")

	lists, err := store.CodeLists(ctx)
	require.NoError(t, err)
	require.Len(t, lists, 1)
	assert.Equal(t, "bob", lists[0].UpdatedBy)

	assert.ErrorIs(t, store.UpsertList(ctx, types.CodeList{}, "bob"), types.ErrInvalidRule)
}

func TestStore_StorageFailureIsCatalogError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})
	require.NoError(t, store.db.Close())

	_, err := store.ListActive(ctx)
	assert.ErrorIs(t, err, types.ErrCatalog)

	_, err = store.CodeSet(ctx, "x")
	assert.ErrorIs(t, err, types.ErrCatalog)

	_, err = store.Create(ctx, sampleRule("R1", 1), "alice")
	assert.Error(t, err)
}

func ids(rules []types.Rule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.ID)
	}
	return out
}
