package access

import (
	"context"
	"errors"
	"testing"

	"contractai-go/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	profiles   map[string]*storage.Profile
	grants     map[string]bool
	poolAccess map[string]bool
	err        error
	grantCalls int
}

func (s *stubStore) Profile(_ context.Context, id string) (*storage.Profile, error) {
	if s.err != nil {
		return nil, s.err
	}
	if p, ok := s.profiles[id]; ok {
		return p, nil
	}
	return nil, &storage.ErrNotFound{Key: id}
}

func (s *stubStore) SettingGrant(_ context.Context, settingsID, granteeID string) (*storage.AccessGrant, error) {
	s.grantCalls++
	if s.err != nil {
		return nil, s.err
	}
	if v, ok := s.grants[settingsID+"/"+granteeID]; ok {
		return &storage.AccessGrant{SubjectID: settingsID, GranteeID: granteeID, HasAccess: v}, nil
	}
	return nil, &storage.ErrNotFound{Key: settingsID}
}

func (s *stubStore) SharedPoolAccess(_ context.Context, consultantID string) (*storage.AccessGrant, error) {
	if s.err != nil {
		return nil, s.err
	}
	if v, ok := s.poolAccess[consultantID]; ok {
		return &storage.AccessGrant{SubjectID: consultantID, HasAccess: v}, nil
	}
	return nil, &storage.ErrNotFound{Key: consultantID}
}

func boolPtr(v bool) *bool { return &v }

func TestCanUseScopeTable(t *testing.T) {
	store := &stubStore{grants: map[string]bool{"s/granted": true, "s/revoked": false}}
	ev := NewEvaluator(store)
	ctx := context.Background()

	type row struct{ owner, noGrant, withGrant bool }
	table := map[storage.UsageScope]row{
		storage.ScopeBoth:           {true, true, true},
		storage.ScopeConsultantOnly: {true, false, false},
		storage.ScopeClientsOnly:    {false, true, true},
		storage.ScopeSelective:      {true, false, true},
		"unknown":                   {false, false, false},
		"":                          {true, true, true},
	}
	for scope, want := range table {
		setting := &storage.BackendSetting{ID: "s", UsageScope: scope}
		assert.Equal(t, want.owner, ev.CanUse(ctx, setting, "owner", true), "scope=%q owner", scope)
		assert.Equal(t, want.noGrant, ev.CanUse(ctx, setting, "stranger", false), "scope=%q no grant", scope)
		assert.Equal(t, want.withGrant, ev.CanUse(ctx, setting, "granted", false), "scope=%q with grant", scope)
	}

	selective := &storage.BackendSetting{ID: "s", UsageScope: storage.ScopeSelective}
	assert.False(t, ev.CanUse(ctx, selective, "revoked", false))
}

func TestCanUseOnlyLooksUpGrantsForSelectiveNonOwners(t *testing.T) {
	store := &stubStore{}
	ev := NewEvaluator(store)
	ctx := context.Background()
	ev.CanUse(ctx, &storage.BackendSetting{ID: "s", UsageScope: storage.ScopeBoth}, "x", false)
	ev.CanUse(ctx, &storage.BackendSetting{ID: "s", UsageScope: storage.ScopeSelective}, "x", true)
	require.Zero(t, store.grantCalls)
	ev.CanUse(ctx, &storage.BackendSetting{ID: "s", UsageScope: storage.ScopeSelective}, "x", false)
	require.Equal(t, 1, store.grantCalls)
}

func TestCanUseFailsClosedOnLookupError(t *testing.T) {
	ev := NewEvaluator(&stubStore{err: errors.New("db down")})
	require.False(t, ev.CanUse(context.Background(), &storage.BackendSetting{ID: "s", UsageScope: storage.ScopeSelective}, "x", false))
}

func TestCanUseSharedPoolGates(t *testing.T) {
	ctx := context.Background()
	store := &stubStore{
		profiles: map[string]*storage.Profile{
			"opted-out": {ID: "opted-out", UseSharedPool: boolPtr(false)},
			"opted-in":  {ID: "opted-in", UseSharedPool: boolPtr(true)},
			"unset":     {ID: "unset"},
			"denied":    {ID: "denied"},
		},
		poolAccess: map[string]bool{"denied": false, "opted-in": true},
	}
	ev := NewEvaluator(store)

	require.False(t, ev.CanUseSharedPool(ctx, "opted-out"))
	require.True(t, ev.CanUseSharedPool(ctx, "opted-in"))
	require.True(t, ev.CanUseSharedPool(ctx, "unset"), "no flag and no record")
	require.True(t, ev.CanUseSharedPool(ctx, "no-profile"), "no profile and no record")
	require.False(t, ev.CanUseSharedPool(ctx, "denied"))

	require.True(t, ev.SharedPoolOptIn(ctx, "unset"))
	require.False(t, ev.SharedPoolOptIn(ctx, "opted-out"))
}

func TestCanUseSharedPoolFailsClosed(t *testing.T) {
	ev := NewEvaluator(&stubStore{err: errors.New("timeout")})
	require.False(t, ev.CanUseSharedPool(context.Background(), "v1"))
	require.False(t, ev.SharedPoolOptIn(context.Background(), "v1"))
}
