// Package provider picks a working generative backend for a request by
// walking an ordered list of credential tiers.
package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"contractai-go/internal/access"
	"contractai-go/internal/config"
	"contractai-go/internal/constants"
	"contractai-go/internal/credential"
	apperrors "contractai-go/internal/errors"
	"contractai-go/internal/events"
	"contractai-go/internal/keypool"
	"contractai-go/internal/monitoring"
	"contractai-go/internal/monitoring/tracing"
	"contractai-go/internal/runtime"
	"contractai-go/internal/secrets"
	"contractai-go/internal/storage"
	"contractai-go/internal/upstream"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Settings are the hot-reloadable knobs of the resolver.
type Settings struct {
	FallbackAPIKey  string
	PrimaryModel    string
	DefaultModel    string
	DefaultLocation string
	Validity        time.Duration
}

// SettingsFromConfig extracts resolver settings from the app config.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		FallbackAPIKey:  cfg.Providers.FallbackAPIKey,
		PrimaryModel:    cfg.Providers.PrimaryModel,
		DefaultModel:    cfg.Providers.DefaultModel,
		DefaultLocation: cfg.Providers.DefaultLocation,
		Validity:        cfg.BackendValidity(),
	}
}

func (s Settings) withDefaults() Settings {
	if s.PrimaryModel == "" {
		s.PrimaryModel = constants.DefaultPrimaryModel
	}
	if s.DefaultModel == "" {
		s.DefaultModel = constants.DefaultModel
	}
	if s.DefaultLocation == "" {
		s.DefaultLocation = constants.DefaultVertexLocation
	}
	if s.Validity <= 0 {
		s.Validity = constants.BackendValidity
	}
	return s
}

// Deps wires a Resolver.
type Deps struct {
	Store       storage.Store
	Policy      *access.Evaluator
	Credentials *credential.Cache
	Pool        *keypool.Pool
	Codec       secrets.Decrypter
	Factory     Factory
	Jobs        *runtime.Dispatcher
	Events      events.Publisher
	Settings    Settings
	Now         func() time.Time
}

// Resolver resolves (client, consultant) pairs to tracked clients.
type Resolver struct {
	store   storage.Store
	policy  *access.Evaluator
	creds   *credential.Cache
	pool    *keypool.Pool
	codec   secrets.Decrypter
	factory Factory
	jobs    *runtime.Dispatcher
	events  events.Publisher
	now     func() time.Time

	mu       sync.RWMutex
	settings Settings
}

func NewResolver(d Deps) *Resolver {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	policy := d.Policy
	if policy == nil {
		policy = access.NewEvaluator(d.Store)
	}
	return &Resolver{
		store:    d.Store,
		policy:   policy,
		creds:    d.Credentials,
		pool:     d.Pool,
		codec:    d.Codec,
		factory:  d.Factory,
		jobs:     d.Jobs,
		events:   d.Events,
		now:      now,
		settings: d.Settings.withDefaults(),
	}
}

// UpdateSettings swaps the reloadable settings.
func (r *Resolver) UpdateSettings(s Settings) {
	r.mu.Lock()
	r.settings = s.withDefaults()
	r.mu.Unlock()
}

func (r *Resolver) currentSettings() Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// ClearCaches empties the credential and key pool caches.
func (r *Resolver) ClearCaches() {
	if r.creds != nil {
		r.creds.Clear()
	}
	if r.pool != nil {
		r.pool.Clear()
	}
}

// request is the per-resolution state shared by the tiers.
type request struct {
	clientID     string
	consultantID string
	settings     Settings
	// dryRun suppresses the usage and rotation writes.
	dryRun bool
}

func (q *request) hasConsultant() bool { return q.consultantID != "" }

// effectiveID is the identity whose keys the terminal tier spends.
func (q *request) effectiveID() string {
	if q.consultantID != "" {
		return q.consultantID
	}
	return q.clientID
}

// Resolve returns a client for clientID, optionally acting for
// consultantID. Only *errors.TerminalConfigurationError escapes.
func (r *Resolver) Resolve(ctx context.Context, clientID, consultantID string) (*Result, error) {
	return r.resolve(ctx, clientID, consultantID, false)
}

// DryRun walks the same tiers as Resolve but leaves setting usage counters
// and own-key rotation untouched. Used by diagnostics.
func (r *Resolver) DryRun(ctx context.Context, clientID, consultantID string) (*Result, error) {
	return r.resolve(ctx, clientID, consultantID, true)
}

func (r *Resolver) resolve(ctx context.Context, clientID, consultantID string, dryRun bool) (*Result, error) {
	clientID = strings.TrimSpace(clientID)
	consultantID = strings.TrimSpace(consultantID)

	ctx, span := tracing.StartSpan(ctx, "provider", "resolve")
	span.SetAttributes(attribute.String("client_id", clientID), attribute.String("consultant_id", consultantID), attribute.Bool("dry_run", dryRun))
	defer span.End()

	if clientID == "" {
		err := &apperrors.TerminalConfigurationError{Message: "client id is required to resolve an AI provider"}
		span.SetStatus(codes.Error, err.Message)
		return nil, err
	}

	q := &request{clientID: clientID, consultantID: consultantID, settings: r.currentSettings(), dryRun: dryRun}
	pref := r.preference(ctx, clientID)
	span.SetAttributes(attribute.String("preference", string(pref)))

	var tiers []tier
	switch pref {
	case storage.PreferenceCustom:
		tiers = []tier{r.ownKeysOnlyTier()}
	case storage.PreferenceGoogleStudio:
		tiers = []tier{r.terminalTier()}
	default:
		tiers = []tier{
			r.poolPrimaryTier(),
			r.sharedDedicatedTier(),
			r.clientOwnedTier(),
			r.consultantManagedTier(),
			r.terminalTier(),
		}
	}

	res, tried := r.run(ctx, q, tiers)
	if res == nil {
		err := terminalError(pref, q, tried)
		span.SetStatus(codes.Error, err.Message)
		monitoring.ResolutionsTotal.WithLabelValues("none", string(pref)).Inc()
		log.WithFields(log.Fields{
			"client_id":     clientID,
			"consultant_id": consultantID,
			"preference":    pref,
			"tried":         tried,
		}).Error("provider resolution exhausted")
		r.publish(ctx, events.TopicResolutionError, map[string]any{
			"client_id":     clientID,
			"consultant_id": consultantID,
			"preference":    string(pref),
			"tried":         tried,
		})
		return nil, err
	}

	res.KeySource = KeySourceFor(res.Source, res.Metadata.ManagedBy)
	res.Client.Attribution().Attach(upstream.Tracking{
		ClientID:     clientID,
		ConsultantID: consultantID,
		KeySource:    res.KeySource,
		SourceTier:   res.Source,
	})
	span.SetAttributes(attribute.String("source", res.Source), attribute.String("key_source", res.KeySource))
	monitoring.ResolutionsTotal.WithLabelValues(res.Source, string(pref)).Inc()
	log.WithFields(log.Fields{
		"client_id":     clientID,
		"consultant_id": consultantID,
		"source":        res.Source,
		"key_source":    res.KeySource,
		"backend":       res.Client.Backend(),
		"model":         res.Client.Model(),
	}).Info("provider resolved")
	r.publish(ctx, events.TopicProviderChosen, map[string]any{
		"client_id":     clientID,
		"consultant_id": consultantID,
		"source":        res.Source,
		"key_source":    res.KeySource,
	})
	return res, nil
}

// preference reads the client's preferred backend; lookup failures fall
// back to the default.
func (r *Resolver) preference(ctx context.Context, clientID string) storage.Preference {
	p, err := r.store.Profile(ctx, clientID)
	if err != nil {
		if !storage.IsNotFound(err) {
			log.WithError(err).WithField("client_id", clientID).Warn("profile lookup failed; using default preference")
		}
		return storage.PreferenceVertexAdmin
	}
	switch pref := p.Preference(); pref {
	case storage.PreferenceCustom, storage.PreferenceGoogleStudio, storage.PreferenceVertexAdmin:
		return pref
	default:
		log.WithFields(log.Fields{"client_id": clientID, "preference": pref}).Warn("unknown backend preference; using default")
		return storage.PreferenceVertexAdmin
	}
}

// run attempts tiers in order and returns the first result.
func (r *Resolver) run(ctx context.Context, q *request, tiers []tier) (*Result, []string) {
	tried := make([]string, 0, len(tiers))
	for _, t := range tiers {
		tried = append(tried, t.name)
		if res := r.attempt(ctx, q, t); res != nil {
			return res, tried
		}
	}
	return nil, tried
}

// attempt runs one tier, converting errors and panics into a skip.
func (r *Resolver) attempt(ctx context.Context, q *request, t tier) (res *Result) {
	started := time.Now()
	ctx, span := tracing.StartSpan(ctx, "provider", "tier."+t.name)
	outcome := "skip"
	defer func() {
		if p := recover(); p != nil {
			res = nil
			outcome = "panic"
			log.WithFields(log.Fields{
				"tier":          t.name,
				"client_id":     q.clientID,
				"consultant_id": q.consultantID,
				"panic":         p,
			}).Error("provider tier panicked")
			span.SetStatus(codes.Error, fmt.Sprint(p))
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		span.End()
		monitoring.TierAttemptsTotal.WithLabelValues(t.name, outcome).Inc()
		monitoring.TierDuration.WithLabelValues(t.name).Observe(time.Since(started).Seconds())
	}()

	out, err := t.try(ctx, q)
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		log.WithError(err).WithFields(log.Fields{
			"tier":          t.name,
			"client_id":     q.clientID,
			"consultant_id": q.consultantID,
		}).Warn("provider tier failed; trying next")
		return nil
	case out == nil:
		log.WithFields(log.Fields{"tier": t.name, "client_id": q.clientID}).Debug("provider tier skipped")
		return nil
	}
	outcome = "success"
	return out
}

func (r *Resolver) publish(ctx context.Context, topic string, payload map[string]any) {
	if r.events == nil {
		return
	}
	r.events.Publish(ctx, topic, payload, nil)
}

// background schedules best-effort store writes.
func (r *Resolver) background(name string, fn func(ctx context.Context) error) {
	if r.jobs == nil {
		return
	}
	r.jobs.Go(name, fn)
}

func terminalError(pref storage.Preference, q *request, tried []string) *apperrors.TerminalConfigurationError {
	var msg string
	switch pref {
	case storage.PreferenceCustom:
		msg = fmt.Sprintf("client %s prefers its own API keys but none are configured: add at least one API key to the client profile or change the backend preference", q.clientID)
	case storage.PreferenceGoogleStudio:
		msg = fmt.Sprintf("no Gemini API key available for %s: the shared key pool is disabled or empty and no own or fallback key is configured; add API keys or enable the shared pool", q.effectiveID())
	default:
		msg = fmt.Sprintf("no AI provider available for client %s: no usable cloud AI configuration was found and the fallback key pool failed; add API keys or configure a dedicated backend", q.clientID)
	}
	return &apperrors.TerminalConfigurationError{Message: msg, Tried: tried}
}
