package store

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	st, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return st
}

func fixtureRecord() *MachineRecord {
	return &MachineRecord{
		MachineID: "machine1",
		ModelAliases: map[string]string{
			"fast": "cc/claude-sonnet-4",
		},
		Combos: []Combo{
			{ID: "combo1", Name: "best", Models: []string{"cc/claude-opus-4", "cx/gpt-5"}},
		},
		APIKeys: []string{"key1"},
		Providers: map[string]*ProviderConnection{
			"conn1": {
				ID:           "conn1",
				MachineID:    "machine1",
				Provider:     "claude-code",
				AuthType:     AuthTypeOAuth,
				Priority:     1,
				IsActive:     true,
				AccessToken:  "at",
				RefreshToken: "rt",
				ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
				ProviderSpecific: map[string]any{
					"accountId": "acct-1",
				},
				Status: StatusActive,
			},
		},
	}
}

func TestSaveAndGetMachine(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveMachine(ctx, fixtureRecord()))

	rec, err := st.GetMachine(ctx, "machine1")
	require.NoError(t, err)

	assert.Equal(t, "machine1", rec.MachineID)
	assert.Equal(t, "cc/claude-sonnet-4", rec.ModelAliases["fast"])
	require.Len(t, rec.Combos, 1)
	assert.Equal(t, []string{"cc/claude-opus-4", "cx/gpt-5"}, rec.Combos[0].Models)
	assert.Equal(t, []string{"key1"}, rec.APIKeys)

	conn, ok := rec.Providers["conn1"]
	require.True(t, ok)
	assert.Equal(t, "claude-code", conn.Provider)
	assert.Equal(t, "at", conn.AccessToken)
	assert.Equal(t, "acct-1", conn.SpecificString("accountId"))
	assert.Equal(t, StatusActive, conn.Status)
}

func TestGetMachineNotFound(t *testing.T) {
	st := testStore(t)
	_, err := st.GetMachine(context.Background(), "ghost")
	require.Error(t, err)
}

func TestUpdateConnectionMergesFields(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveMachine(ctx, fixtureRecord()))

	until := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	err := st.UpdateConnection(ctx, "conn1", map[string]any{
		"accessToken":      "new-at",
		"rateLimitedUntil": &until,
		"backoffLevel":     2,
		"providerSpecific": map[string]any{"accountId": "acct-2", "baseUrl": "https://example.test"},
	})
	require.NoError(t, err)

	rec, err := st.GetMachine(ctx, "machine1")
	require.NoError(t, err)
	conn := rec.Providers["conn1"]

	assert.Equal(t, "new-at", conn.AccessToken)
	assert.Equal(t, "rt", conn.RefreshToken, "untouched fields must survive the merge")
	require.NotNil(t, conn.RateLimitedUntil)
	assert.WithinDuration(t, until, *conn.RateLimitedUntil, time.Second)
	assert.Equal(t, 2, conn.BackoffLevel)
	assert.Equal(t, "acct-2", conn.SpecificString("accountId"))
	assert.Equal(t, "https://example.test", conn.SpecificString("baseUrl"))
}

func TestUpdateConnectionClearsCooldown(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	rec := fixtureRecord()
	until := time.Now().Add(time.Hour)
	rec.Providers["conn1"].RateLimitedUntil = &until
	rec.Providers["conn1"].BackoffLevel = 3
	require.NoError(t, st.SaveMachine(ctx, rec))

	err := st.UpdateConnection(ctx, "conn1", map[string]any{
		"status":           StatusActive,
		"rateLimitedUntil": (*time.Time)(nil),
		"backoffLevel":     0,
	})
	require.NoError(t, err)

	got, err := st.GetMachine(ctx, "machine1")
	require.NoError(t, err)
	assert.Nil(t, got.Providers["conn1"].RateLimitedUntil)
	assert.Equal(t, 0, got.Providers["conn1"].BackoffLevel)
}

func TestUpdateConnectionUnknownField(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveMachine(ctx, fixtureRecord()))

	err := st.UpdateConnection(ctx, "conn1", map[string]any{"nope": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown connection field")
}

func TestUpdateConnectionMissing(t *testing.T) {
	st := testStore(t)
	err := st.UpdateConnection(context.Background(), "ghost", map[string]any{"accessToken": "x"})
	require.Error(t, err)
}

func TestRateLimited(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	c := &ProviderConnection{}
	assert.False(t, c.RateLimited(now))

	c.RateLimitedUntil = &future
	assert.True(t, c.RateLimited(now))

	c.RateLimitedUntil = &past
	assert.False(t, c.RateLimited(now))
}

func TestCloneIsDeep(t *testing.T) {
	until := time.Now().Add(time.Minute)
	c := &ProviderConnection{
		ID:               "c",
		ProviderSpecific: map[string]any{"k": "v"},
		RateLimitedUntil: &until,
	}
	cp := c.Clone()
	cp.ProviderSpecific["k"] = "changed"
	*cp.RateLimitedUntil = until.Add(time.Hour)

	assert.Equal(t, "v", c.ProviderSpecific["k"])
	assert.True(t, c.RateLimitedUntil.Equal(until))
}

func TestSpecificInt64Shapes(t *testing.T) {
	c := &ProviderConnection{ProviderSpecific: map[string]any{
		"a": int64(5),
		"b": 6,
		"c": float64(7),
		"d": "not a number",
	}}
	assert.Equal(t, int64(5), c.SpecificInt64("a"))
	assert.Equal(t, int64(6), c.SpecificInt64("b"))
	assert.Equal(t, int64(7), c.SpecificInt64("c"))
	assert.Equal(t, int64(0), c.SpecificInt64("d"))
	assert.Equal(t, int64(0), c.SpecificInt64("missing"))
}
