// Package access decides whether a requester may use a shared backend
// setting or the shared key pool.
package access

import (
	"context"

	"contractai-go/internal/storage"

	log "github.com/sirupsen/logrus"
)

// Store is the subset of storage the evaluator reads.
type Store interface {
	Profile(ctx context.Context, id string) (*storage.Profile, error)
	SettingGrant(ctx context.Context, settingsID, granteeID string) (*storage.AccessGrant, error)
	SharedPoolAccess(ctx context.Context, consultantID string) (*storage.AccessGrant, error)
}

// Evaluator applies usage-scope rules and explicit grant records.
// Lookup failures deny.
type Evaluator struct {
	store Store
}

func NewEvaluator(store Store) *Evaluator {
	return &Evaluator{store: store}
}

// Decide is the flat scope table. hasGrant is consulted only for the
// selective scope with a non-owner requester.
func Decide(scope storage.UsageScope, isOwner, hasGrant bool) bool {
	switch scope {
	case storage.ScopeBoth, "":
		return true
	case storage.ScopeConsultantOnly:
		return isOwner
	case storage.ScopeClientsOnly:
		return !isOwner
	case storage.ScopeSelective:
		return isOwner || hasGrant
	default:
		return false
	}
}

// CanUse reports whether requesterID may use setting.
func (e *Evaluator) CanUse(ctx context.Context, setting *storage.BackendSetting, requesterID string, isOwner bool) bool {
	scope := setting.EffectiveScope()
	if scope != storage.ScopeSelective || isOwner {
		return Decide(scope, isOwner, false)
	}
	grant, err := e.store.SettingGrant(ctx, setting.ID, requesterID)
	switch {
	case storage.IsNotFound(err):
		return false
	case err != nil:
		log.WithError(err).WithFields(log.Fields{"settings_id": setting.ID, "requester_id": requesterID}).
			Warn("setting grant lookup failed; denying")
		return false
	}
	return Decide(scope, false, grant.HasAccess)
}

// SharedPoolOptIn reports the identity's own opt-in flag (default true).
// A missing profile counts as opted in; a failed lookup does not.
func (e *Evaluator) SharedPoolOptIn(ctx context.Context, identityID string) bool {
	prof, err := e.store.Profile(ctx, identityID)
	switch {
	case storage.IsNotFound(err):
		return true
	case err != nil:
		log.WithError(err).WithField("identity_id", identityID).Warn("profile lookup failed; treating shared pool as opted out")
		return false
	}
	return prof.SharedPoolOptIn()
}

// CanUseSharedPool requires both the opt-in flag and, when an explicit
// access record exists, hasAccess=true.
func (e *Evaluator) CanUseSharedPool(ctx context.Context, consultantID string) bool {
	if !e.SharedPoolOptIn(ctx, consultantID) {
		return false
	}
	grant, err := e.store.SharedPoolAccess(ctx, consultantID)
	switch {
	case storage.IsNotFound(err):
		return true
	case err != nil:
		log.WithError(err).WithField("consultant_id", consultantID).Warn("shared pool access lookup failed; denying")
		return false
	}
	return grant.HasAccess
}
