// Package token orchestrates the OAuth grant lifecycle: cached lookup,
// upsert after authorization, proactive and on-demand refresh with
// per-grant single-flight, failure quarantine, revocation, and the
// retention sweep. All grant mutation funnels through the Manager.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tubeworks/tubeup/internal/cipher"
	"github.com/tubeworks/tubeup/internal/config"
	"github.com/tubeworks/tubeup/internal/oauth"
	"github.com/tubeworks/tubeup/internal/store"
)

// Sentinel errors. Check with errors.Is.
var (
	// ErrNotFound means no active grant matches the lookup filter.
	ErrNotFound = errors.New("token: no active grant found")

	// ErrMissingRefreshSecret means a first-time authorization came back
	// without a refresh secret. Such a grant could never be refreshed,
	// so it is rejected rather than persisted.
	ErrMissingRefreshSecret = errors.New("token: no refresh secret for new grant")

	// ErrCorruptToken means a stored secret failed to decrypt. Terminal:
	// the grant is quarantined and the user must re-authorize.
	ErrCorruptToken = errors.New("token: corrupt stored secret")

	// ErrRefreshFailed means the remote refresh exchange failed. The
	// grant has been quarantined by the time this is returned.
	ErrRefreshFailed = errors.New("token: refresh failed")

	// ErrGrantInactive means an operation needed an active grant but the
	// grant was deactivated (quarantine, revoke, or explicit toggle).
	ErrGrantInactive = errors.New("token: grant is inactive")
)

// OAuthClient is the slice of the OAuth client the manager needs.
type OAuthClient interface {
	Refresh(ctx context.Context, refreshSecret string) (*oauth.Result, error)
	Revoke(ctx context.Context, secret string) bool
}

// Manager owns grant state. It is safe for concurrent use; refresh is
// deduplicated per grant id via single-flight, and refresh/revoke for
// the same grant serialize behind a per-grant mutex so revoke always
// wins an ordering race (final state inactive).
type Manager struct {
	grants *store.GrantStore
	cache  *store.Cache
	oauth  OAuthClient
	cipher cipher.Cipher
	margin time.Duration
	keep   time.Duration
	logger *slog.Logger

	group singleflight.Group

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	// now is injected for margin-boundary tests.
	now func() time.Time
}

// NewManager wires the lifecycle manager.
func NewManager(
	grants *store.GrantStore,
	cache *store.Cache,
	oc OAuthClient,
	ciph cipher.Cipher,
	cfg config.StoreConfig,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		grants: grants,
		cache:  cache,
		oauth:  oc,
		cipher: ciph,
		margin: cfg.RefreshMarginDuration(),
		keep:   time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		logger: logger,
		locks:  make(map[int64]*sync.Mutex),
		now:    time.Now,
	}
}

// GetActive returns the most recently refreshed active grant matching
// the filter, consulting the cache first. It never refreshes.
func (m *Manager) GetActive(ctx context.Context, userID int64, channelID string) (*store.Grant, error) {
	if g := m.cache.Get(userID, channelID); g != nil {
		return g, nil
	}

	g, err := m.grants.GetActive(ctx, userID, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	m.cache.Put(userID, channelID, g)

	return g, nil
}

// StoreResult upserts a grant from an authorization result and channel
// profile. An existing grant for the (user, channel) pair is updated in
// place — secrets rotate, the refresh counter increments, error state
// clears — so a repeat authorization never yields two active grants.
// A brand-new grant without a refresh secret is rejected: it could
// never survive its first expiry.
func (m *Manager) StoreResult(ctx context.Context, res *oauth.Result, profile *oauth.Profile, userID int64) (*store.Grant, error) {
	existing, err := m.grants.ByChannel(ctx, userID, profile.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if existing == nil && res.RefreshSecret == "" {
		return nil, ErrMissingRefreshSecret
	}

	encAccess, err := m.cipher.Encrypt(res.AccessSecret)
	if err != nil {
		return nil, fmt.Errorf("token: encrypting access secret: %w", err)
	}

	encRefresh := ""
	if res.RefreshSecret != "" {
		encRefresh, err = m.cipher.Encrypt(res.RefreshSecret)
		if err != nil {
			return nil, fmt.Errorf("token: encrypting refresh secret: %w", err)
		}
	}

	meta, err := profile.MetadataJSON()
	if err != nil {
		return nil, err
	}

	expiry := res.Expiry
	if expiry.IsZero() {
		expiry = m.now().Add(time.Hour)
	}

	tokenType := res.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	g := existing
	if g == nil {
		g = &store.Grant{RefreshCount: 0}
	} else {
		g.RefreshCount++
	}

	g.UserID = userID
	g.ChannelID = profile.ID
	g.ChannelTitle = profile.Title
	g.ChannelHandle = profile.Handle
	g.ChannelThumbnail = profile.Thumbnail
	g.AccessSecret = encAccess

	if encRefresh != "" {
		g.RefreshSecret = encRefresh
	}

	g.TokenType = tokenType
	g.ExpiresAt = expiry

	if res.Scope != "" {
		g.Scopes = strings.Fields(res.Scope)
	}

	g.ChannelMetadata = meta
	g.Active = true
	g.LastRefreshedAt = m.now()
	g.ErrorMsg = ""
	g.ErrorAt = time.Time{}

	if existing == nil {
		err = m.grants.Insert(ctx, g)
	} else {
		err = m.grants.Update(ctx, g)
	}

	if err != nil {
		return nil, err
	}

	m.cache.Invalidate(userID, profile.ID)

	m.logger.Info("authorization stored",
		slog.Int64("grant_id", g.ID),
		slog.String("channel_id", g.ChannelID),
		slog.Bool("updated_in_place", existing != nil),
		slog.Int("refresh_count", g.RefreshCount),
	)

	return g, nil
}

// NeedsRefresh reports whether the grant is within the safety margin of
// its expiry (or past it).
func (m *Manager) NeedsRefresh(g *store.Grant) bool {
	return !m.now().Before(g.ExpiresAt.Add(-m.margin))
}

// AccessSecret decrypts the grant's access secret. A decrypt failure is
// ErrCorruptToken — terminal, never "needs refresh".
func (m *Manager) AccessSecret(g *store.Grant) (string, error) {
	plain, err := m.cipher.Decrypt(g.AccessSecret)
	if err != nil {
		return "", fmt.Errorf("%w: access secret for grant %d: %v", ErrCorruptToken, g.ID, err)
	}

	return plain, nil
}

// EnsureFresh returns a grant guaranteed to be outside the refresh
// margin, refreshing through the OAuth client when needed. Concurrent
// calls for the same grant id share a single in-flight refresh: every
// waiter observes the same resulting grant or the same failure, and the
// remote endpoint sees at most one refresh request. A failed refresh
// quarantines the grant before returning.
func (m *Manager) EnsureFresh(ctx context.Context, g *store.Grant) (*store.Grant, error) {
	if !g.Active {
		return nil, fmt.Errorf("%w: grant %d", ErrGrantInactive, g.ID)
	}

	if !m.NeedsRefresh(g) {
		return g, nil
	}

	v, err, _ := m.group.Do(strconv.FormatInt(g.ID, 10), func() (any, error) {
		return m.refreshGrant(ctx, g.ID, false)
	})
	if err != nil {
		return nil, err
	}

	return v.(*store.Grant), nil
}

// refreshGrant performs one refresh under the per-grant mutex. It
// re-reads the grant first: a single-flight waiter that lost the race
// may find the work already done, and a refresh that lost an ordering
// race against revoke must observe the deactivation and stop.
func (m *Manager) refreshGrant(ctx context.Context, grantID int64, activate bool) (*store.Grant, error) {
	mu := m.grantLock(grantID)
	mu.Lock()
	defer mu.Unlock()

	g, err := m.grants.Get(ctx, grantID)
	if err != nil {
		return nil, err
	}

	if !activate {
		if !g.Active {
			return nil, fmt.Errorf("%w: grant %d", ErrGrantInactive, g.ID)
		}

		if !m.NeedsRefresh(g) {
			return g, nil
		}
	}

	refreshSecret, err := m.cipher.Decrypt(g.RefreshSecret)
	if err != nil {
		corrupt := fmt.Errorf("%w: refresh secret for grant %d: %v", ErrCorruptToken, g.ID, err)
		m.quarantine(ctx, g, "corrupt refresh secret")

		return nil, corrupt
	}

	res, err := m.oauth.Refresh(ctx, refreshSecret)
	if err != nil {
		m.quarantine(ctx, g, err.Error())

		return nil, fmt.Errorf("%w: grant %d: %v", ErrRefreshFailed, g.ID, err)
	}

	encAccess, err := m.cipher.Encrypt(res.AccessSecret)
	if err != nil {
		return nil, fmt.Errorf("token: encrypting refreshed access secret: %w", err)
	}

	g.AccessSecret = encAccess

	// The refresh exchange carries the old secret forward when the
	// endpoint issues no new one; only re-encrypt on actual rotation.
	if res.RefreshSecret != "" && res.RefreshSecret != refreshSecret {
		encRefresh, encErr := m.cipher.Encrypt(res.RefreshSecret)
		if encErr != nil {
			return nil, fmt.Errorf("token: encrypting rotated refresh secret: %w", encErr)
		}

		g.RefreshSecret = encRefresh
	}

	if res.TokenType != "" {
		g.TokenType = res.TokenType
	}

	g.ExpiresAt = res.Expiry
	g.LastRefreshedAt = m.now()
	g.RefreshCount++
	g.ErrorMsg = ""
	g.ErrorAt = time.Time{}
	g.Active = true

	if err := m.grants.Update(ctx, g); err != nil {
		return nil, err
	}

	m.cache.Invalidate(g.UserID, g.ChannelID)

	m.logger.Info("grant refreshed",
		slog.Int64("grant_id", g.ID),
		slog.String("channel_id", g.ChannelID),
		slog.Time("expires_at", g.ExpiresAt),
		slog.Int("refresh_count", g.RefreshCount),
	)

	return g, nil
}

// MarkFailed quarantines a grant: error fields set, active forced
// false, cache invalidated. Terminal — reactivation requires re-running
// the authorization flow (or Activate, which forces a refresh).
func (m *Manager) MarkFailed(ctx context.Context, g *store.Grant, reason string) error {
	return m.quarantine(ctx, g, reason)
}

func (m *Manager) quarantine(ctx context.Context, g *store.Grant, reason string) error {
	g.ErrorMsg = reason
	g.ErrorAt = m.now()
	g.Active = false

	if err := m.grants.Update(ctx, g); err != nil {
		return err
	}

	m.cache.Invalidate(g.UserID, g.ChannelID)

	m.logger.Warn("grant quarantined",
		slog.Int64("grant_id", g.ID),
		slog.String("channel_id", g.ChannelID),
		slog.String("reason", reason),
	)

	return nil
}

// Revoke revokes the grant's secrets at the platform (best effort) and
// deactivates locally regardless of the remote outcome. It takes the
// same per-grant mutex as refresh, so revoke racing a refresh always
// ends with the grant inactive.
func (m *Manager) Revoke(ctx context.Context, g *store.Grant) error {
	mu := m.grantLock(g.ID)
	mu.Lock()
	defer mu.Unlock()

	current, err := m.grants.Get(ctx, g.ID)
	if err != nil {
		return err
	}

	if secret, decErr := m.cipher.Decrypt(current.AccessSecret); decErr == nil {
		m.oauth.Revoke(ctx, secret)
	} else {
		m.logger.Warn("skipping remote revoke, stored secret undecryptable",
			slog.Int64("grant_id", current.ID),
		)
	}

	current.Active = false

	if err := m.grants.Update(ctx, current); err != nil {
		return err
	}

	m.cache.Invalidate(current.UserID, current.ChannelID)

	m.logger.Info("grant revoked",
		slog.Int64("grant_id", current.ID),
		slog.String("channel_id", current.ChannelID),
	)

	return nil
}

// Deactivate flips the grant inactive without touching the platform.
func (m *Manager) Deactivate(ctx context.Context, g *store.Grant) error {
	g.Active = false

	if err := m.grants.Update(ctx, g); err != nil {
		return err
	}

	m.cache.Invalidate(g.UserID, g.ChannelID)

	return nil
}

// Activate re-enables a grant. An expired grant must refresh first; if
// the refresh fails the grant stays inactive and the error is returned.
func (m *Manager) Activate(ctx context.Context, g *store.Grant) error {
	if m.NeedsRefresh(g) {
		if _, err := m.refreshGrant(ctx, g.ID, true); err != nil {
			return fmt.Errorf("token: activating expired grant %d: %w", g.ID, err)
		}

		return nil
	}

	g.Active = true

	if err := m.grants.Update(ctx, g); err != nil {
		return err
	}

	m.cache.Invalidate(g.UserID, g.ChannelID)

	return nil
}

// SweepExpired deletes grants that have been inactive or in error state
// longer than the retention window. Returns the number removed.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	return m.grants.DeleteInactiveBefore(ctx, m.now().Add(-m.keep))
}

// RefreshExpiring proactively refreshes active grants expiring within
// the window. Failures quarantine the affected grant and are counted,
// not propagated, so one dead grant does not stop the pass.
func (m *Manager) RefreshExpiring(ctx context.Context, within time.Duration) (refreshed, failed int) {
	grants, err := m.grants.ListExpiring(ctx, within)
	if err != nil {
		m.logger.Error("listing expiring grants", slog.String("error", err.Error()))
		return 0, 0
	}

	for _, g := range grants {
		if _, err := m.EnsureFresh(ctx, g); err != nil {
			failed++

			m.logger.Warn("proactive refresh failed",
				slog.Int64("grant_id", g.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		refreshed++
	}

	return refreshed, failed
}

// grantLock returns the mutex for a grant id, creating it on first use.
func (m *Manager) grantLock(id int64) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	mu, ok := m.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[id] = mu
	}

	return mu
}
