package provider

import (
	"context"
	"testing"
	"time"

	apperrors "contractai-go/internal/errors"
	"contractai-go/internal/storage"
	"contractai-go/internal/upstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSettings = Settings{
	FallbackAPIKey: "env-key",
	PrimaryModel:   "gemini-primary",
	DefaultModel:   "gemini-default",
}

func TestResolveWalksTiersInOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testSettings)
	h.withPool(t, "pool-key")
	h.addSetting(&storage.BackendSetting{ID: "shared", OwnerID: "admin", ManagedBy: storage.ManagedByAdmin, Shared: true})
	h.addSetting(&storage.BackendSetting{ID: "own", OwnerID: "C", ManagedBy: storage.ManagedBySelf})
	h.addSetting(&storage.BackendSetting{ID: "cons", OwnerID: "V", ManagedBy: storage.ManagedByAdmin})

	expect := func(source, model string) *Result {
		t.Helper()
		h.r.ClearCaches()
		res, err := h.r.Resolve(ctx, "C", "V")
		require.NoError(t, err)
		require.Equal(t, source, res.Source)
		require.Equal(t, model, res.Client.Model())
		return res
	}

	res := expect(SourcePoolPrimary, "gemini-primary")
	assert.Equal(t, KeySourceSuperadmin, res.KeySource)
	assert.Equal(t, upstream.BackendStudio, res.Client.Backend())
	assert.False(t, res.HasCleanup())

	h.store.pool.Enabled = false
	res = expect(SourceSharedDedicated, "gemini-default")
	assert.Equal(t, KeySourceSuperadmin, res.KeySource)
	assert.Equal(t, "shared", res.Metadata.SettingsID)

	h.store.poolAccess["V"] = false
	res = expect(SourceClientOwned, "gemini-default")
	assert.Equal(t, KeySourceUser, res.KeySource)
	assert.Equal(t, "sa-proj", res.Metadata.ProjectID)
	assert.True(t, res.HasCleanup())

	h.store.settings[1].Enabled = false
	res = expect(SourceConsultantManaged, "gemini-default")
	assert.Equal(t, KeySourceSuperadmin, res.KeySource)

	h.store.settings[2].Enabled = false
	res = expect(SourceEnv, "gemini-default")
	assert.Equal(t, KeySourceEnv, res.KeySource)
}

func TestClientOwnedPrecedesConsultantManaged(t *testing.T) {
	h := newHarness(t, testSettings)
	h.addSetting(&storage.BackendSetting{ID: "cons", OwnerID: "V", ManagedBy: storage.ManagedByAdmin})
	h.addSetting(&storage.BackendSetting{ID: "own", OwnerID: "C", ManagedBy: storage.ManagedBySelf})

	res, err := h.r.Resolve(context.Background(), "C", "V")
	require.NoError(t, err)
	require.Equal(t, SourceClientOwned, res.Source)
	require.Equal(t, []string{"own"}, h.factory.vertex)

	h.wait(t)
	require.Equal(t, []string{"own"}, h.store.bumped)
}

func TestNoConsultantSkipsConsultantTiers(t *testing.T) {
	h := newHarness(t, testSettings)
	h.withPool(t, "pool-key")
	h.addSetting(&storage.BackendSetting{ID: "shared", OwnerID: "admin", ManagedBy: storage.ManagedByAdmin, Shared: true})

	res, err := h.r.Resolve(context.Background(), "C", "")
	require.NoError(t, err)
	require.Equal(t, SourceFallbackPool, res.Source)
	require.Equal(t, "gemini-default", res.Client.Model())
	require.Zero(t, h.store.count("SharedBackend"))
	require.Zero(t, h.store.count("EnabledSettings"))
}

func TestGracefulDegradationOnStoreOutage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testSettings)
	h.store.fail["SharedPoolConfig"] = true
	h.store.fail["SharedBackend"] = true

	res, err := h.r.Resolve(ctx, "C", "V")
	require.NoError(t, err)
	require.Equal(t, SourceEnv, res.Source)
	require.Equal(t, []string{"env-key"}, h.factory.studio)

	h.r.UpdateSettings(Settings{})
	res, err = h.r.Resolve(ctx, "C", "V")
	require.Nil(t, res)
	var terr *apperrors.TerminalConfigurationError
	require.ErrorAs(t, err, &terr)
	require.Contains(t, terr.Message, "add API keys")
	require.Equal(t, []string{tierPoolPrimary, tierSharedDedicated, tierClientOwned, tierConsultantManaged, tierTerminal}, terr.Tried)
}

func TestTierPanicIsTreatedAsFailure(t *testing.T) {
	h := newHarness(t, testSettings)
	h.store.fail["EnabledSettings"] = true
	q := &request{clientID: "C", consultantID: "V", settings: h.r.currentSettings()}
	boom := tier{name: "boom", try: func(context.Context, *request) (*Result, error) { panic("nil map") }}

	res, tried := h.r.run(context.Background(), q, []tier{boom, h.r.consultantManagedTier(), h.r.terminalTier()})
	require.NotNil(t, res)
	require.Equal(t, SourceEnv, res.Source)
	require.Equal(t, []string{"boom", tierConsultantManaged, tierTerminal}, tried)
}

func TestCustomPreferenceUsesOnlyOwnKeys(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testSettings)
	h.withPool(t, "pool-key")
	h.addSetting(&storage.BackendSetting{ID: "own", OwnerID: "C", ManagedBy: storage.ManagedBySelf})
	h.store.profiles["C"] = &storage.Profile{ID: "C", PreferredBackend: storage.PreferenceCustom}

	res, err := h.r.Resolve(ctx, "C", "V")
	require.Nil(t, res)
	var terr *apperrors.TerminalConfigurationError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, []string{tierOwnKeysOnly}, terr.Tried)
	require.Contains(t, terr.Message, "own API keys")

	require.Zero(t, h.factory.constructions())
	require.Zero(t, h.store.count("SharedPoolConfig"))
	require.Zero(t, h.store.count("SharedBackend"))
	require.Zero(t, h.store.count("SelfManagedSetting"))
	require.Zero(t, h.store.count("EnabledSettings"))

	h.store.profiles["C"].OwnAPIKeys = h.encryptKeys(t, "mine")
	res, err = h.r.Resolve(ctx, "C", "V")
	require.NoError(t, err)
	require.Equal(t, SourceOwnKeys, res.Source)
	require.Equal(t, KeySourceUser, res.KeySource)
	require.Equal(t, []string{"mine"}, h.factory.studio)
}

func TestGoogleStudioPreferenceRunsTerminalTierForConsultant(t *testing.T) {
	h := newHarness(t, Settings{DefaultModel: "gemini-default"})
	h.addSetting(&storage.BackendSetting{ID: "own", OwnerID: "C", ManagedBy: storage.ManagedBySelf})
	h.store.profiles["C"] = &storage.Profile{ID: "C", PreferredBackend: storage.PreferenceGoogleStudio, OwnAPIKeys: h.encryptKeys(t, "client-key")}
	h.store.profiles["V"] = &storage.Profile{ID: "V", OwnAPIKeys: h.encryptKeys(t, "consultant-key")}

	res, err := h.r.Resolve(context.Background(), "C", "V")
	require.NoError(t, err)
	require.Equal(t, SourceOwnKeys, res.Source)
	require.Equal(t, []string{"consultant-key"}, h.factory.studio)
	require.Empty(t, h.factory.vertex)
}

func TestConsultantScopeScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testSettings)
	h.addSetting(&storage.BackendSetting{
		ID:         "v-admin",
		OwnerID:    "V",
		ManagedBy:  storage.ManagedByAdmin,
		UsageScope: storage.ScopeClientsOnly,
	})

	res, err := h.r.Resolve(ctx, "C", "V")
	require.NoError(t, err)
	require.Equal(t, SourceConsultantManaged, res.Source)
	require.Equal(t, KeySourceSuperadmin, res.KeySource)
	require.Equal(t, storage.ManagedByAdmin, res.Metadata.ManagedBy)

	res, err = h.r.Resolve(ctx, "V", "V")
	require.NoError(t, err)
	require.Equal(t, SourceEnv, res.Source)
	require.Equal(t, []string{"v-admin"}, h.factory.vertex)
}

func TestConsultantTierContinuesPastBrokenSettings(t *testing.T) {
	h := newHarness(t, testSettings)
	expired := h.now.Add(-time.Hour)
	h.addSetting(&storage.BackendSetting{ID: "self-1", OwnerID: "V", ManagedBy: storage.ManagedBySelf})
	h.addSetting(&storage.BackendSetting{ID: "expired", OwnerID: "V", ManagedBy: storage.ManagedByAdmin, ExpiresAt: &expired})
	h.addSetting(&storage.BackendSetting{ID: "broken", OwnerID: "V", ManagedBy: storage.ManagedByAdmin})
	h.addSetting(&storage.BackendSetting{ID: "selective", OwnerID: "V", ManagedBy: storage.ManagedByAdmin, UsageScope: storage.ScopeSelective})
	h.factory.failSetup["broken"] = true

	res, err := h.r.Resolve(context.Background(), "C", "V")
	require.NoError(t, err)
	require.Equal(t, SourceConsultantManaged, res.Source)
	require.Equal(t, "self-1", res.Metadata.SettingsID)
	require.Equal(t, KeySourceUser, res.KeySource)
	require.Equal(t, []string{"broken", "self-1"}, h.factory.vertex)
	require.Equal(t, 1, h.store.count("SettingGrant"))
}

func TestExpiryRule(t *testing.T) {
	h := newHarness(t, testSettings)
	future := h.now.Add(time.Hour)
	own := h.addSetting(&storage.BackendSetting{ID: "own", OwnerID: "C", ManagedBy: storage.ManagedBySelf})

	own.ActivatedAt = h.now.Add(-91 * 24 * time.Hour)
	res, err := h.r.Resolve(context.Background(), "C", "")
	require.NoError(t, err)
	require.Equal(t, SourceEnv, res.Source)

	own.ExpiresAt = &future
	res, err = h.r.Resolve(context.Background(), "C", "")
	require.NoError(t, err)
	require.Equal(t, SourceClientOwned, res.Source)
	require.Equal(t, &future, res.Metadata.ExpiresAt)
}

func TestPastExpiryWinsOverValidityWindow(t *testing.T) {
	h := newHarness(t, testSettings)
	past := h.now.Add(-time.Minute)
	h.addSetting(&storage.BackendSetting{
		ID: "own", OwnerID: "C", ManagedBy: storage.ManagedBySelf,
		ActivatedAt: h.now.Add(-time.Hour), ExpiresAt: &past,
	})
	h.addSetting(&storage.BackendSetting{
		ID: "cons", OwnerID: "V", ManagedBy: storage.ManagedByAdmin,
		ActivatedAt: h.now.Add(-time.Hour), ExpiresAt: &past,
	})

	res, err := h.r.Resolve(context.Background(), "C", "V")
	require.NoError(t, err)
	require.Equal(t, SourceEnv, res.Source)
	require.Empty(t, h.factory.vertex)
}

func TestCleanupClosesClientAndEvictsEphemeralCredential(t *testing.T) {
	h := newHarness(t, testSettings)
	future := h.now.Add(time.Hour)
	h.addSetting(&storage.BackendSetting{ID: "own", OwnerID: "C", ManagedBy: storage.ManagedBySelf, ExpiresAt: &future})

	res, err := h.r.Resolve(context.Background(), "C", "")
	require.NoError(t, err)
	require.Equal(t, 1, h.creds.Len())

	res.Cleanup()
	res.Cleanup()
	require.True(t, res.Client.(*fakeClient).isClosed())
	require.Zero(t, h.creds.Len())
}

func TestUnparseableCredentialFallsThrough(t *testing.T) {
	h := newHarness(t, testSettings)
	h.addSetting(&storage.BackendSetting{ID: "own", OwnerID: "C", ManagedBy: storage.ManagedBySelf, ServiceAccount: "garbage"})

	res, err := h.r.Resolve(context.Background(), "C", "")
	require.NoError(t, err)
	require.Equal(t, SourceEnv, res.Source)
	require.Empty(t, h.factory.vertex)
}

func TestOwnKeysRotateRoundRobin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Settings{DefaultModel: "gemini-default"})
	h.store.profiles["V"] = &storage.Profile{ID: "V", OwnAPIKeys: h.encryptKeys(t, "k0", "k1", "k2"), KeyRotationIndex: 4}

	for i := 0; i < 3; i++ {
		res, err := h.r.Resolve(ctx, "C", "V")
		require.NoError(t, err)
		require.Equal(t, SourceOwnKeys, res.Source)
		h.wait(t)
	}
	require.Equal(t, []string{"k1", "k2", "k0"}, h.factory.studio)
	require.Equal(t, 1, h.store.rotations["V"])
}

func TestDryRunLeavesCountersAndRotationAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Settings{DefaultModel: "gemini-default"})
	h.store.profiles["V"] = &storage.Profile{ID: "V", OwnAPIKeys: h.encryptKeys(t, "k0", "k1"), KeyRotationIndex: 1}

	res, err := h.r.DryRun(ctx, "C", "V")
	require.NoError(t, err)
	require.Equal(t, SourceOwnKeys, res.Source)
	require.Equal(t, KeySourceUser, res.KeySource)
	h.wait(t)
	require.Empty(t, h.store.rotations)

	h.addSetting(&storage.BackendSetting{ID: "own", OwnerID: "C", ManagedBy: storage.ManagedBySelf})
	res, err = h.r.DryRun(ctx, "C", "V")
	require.NoError(t, err)
	require.Equal(t, SourceClientOwned, res.Source)
	res.Cleanup()
	h.wait(t)
	require.Empty(t, h.store.bumped)

	_, err = h.r.Resolve(ctx, "C", "V")
	require.NoError(t, err)
	h.wait(t)
	require.Equal(t, []string{"own"}, h.store.bumped)
}

func TestSharedPoolOptOutSkipsPoolTiers(t *testing.T) {
	h := newHarness(t, testSettings)
	h.withPool(t, "pool-key")
	h.store.profiles["V"] = &storage.Profile{ID: "V", UseSharedPool: boolPtr(false)}

	res, err := h.r.Resolve(context.Background(), "C", "V")
	require.NoError(t, err)
	require.Equal(t, SourceEnv, res.Source)
	require.Equal(t, []string{"env-key"}, h.factory.studio)
	require.Zero(t, h.store.count("SharedPoolConfig"))
}

func TestResolveAttachesTracking(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testSettings)
	h.addSetting(&storage.BackendSetting{ID: "own", OwnerID: "C", ManagedBy: storage.ManagedBySelf})

	res, err := h.r.Resolve(ctx, "C", "V")
	require.NoError(t, err)
	res.SetFeature("clause-review", "reviewer")
	_, err = res.Generate(ctx, &upstream.Request{Messages: []upstream.Message{upstream.UserText("hi")}})
	require.NoError(t, err)

	recs := h.usage.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "C", recs[0].ClientID)
	assert.Equal(t, "V", recs[0].ConsultantID)
	assert.Equal(t, "clause-review", recs[0].Feature)
	assert.Equal(t, "reviewer", recs[0].FeatureRole)
	assert.Equal(t, KeySourceUser, recs[0].KeySource)
	assert.Equal(t, SourceClientOwned, recs[0].SourceTier)
	assert.Equal(t, 3, recs[0].InputTokens)
}

func TestResolveRequiresClient(t *testing.T) {
	h := newHarness(t, testSettings)
	_, err := h.r.Resolve(context.Background(), "  ", "V")
	require.True(t, apperrors.IsTerminal(err))
	require.Zero(t, h.factory.constructions())
}

func TestKeySourceFor(t *testing.T) {
	cases := []struct {
		source    string
		managedBy storage.ManagedBy
		want      string
	}{
		{SourcePoolPrimary, "", KeySourceSuperadmin},
		{SourceSharedDedicated, storage.ManagedByAdmin, KeySourceSuperadmin},
		{SourceFallbackPool, "", KeySourceSuperadmin},
		{SourceClientOwned, storage.ManagedBySelf, KeySourceUser},
		{SourceConsultantManaged, storage.ManagedByAdmin, KeySourceSuperadmin},
		{SourceConsultantManaged, storage.ManagedBySelf, KeySourceUser},
		{SourceOwnKeys, "", KeySourceUser},
		{SourceEnv, "", KeySourceEnv},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, KeySourceFor(tc.source, tc.managedBy), "%s/%s", tc.source, tc.managedBy)
	}
}
