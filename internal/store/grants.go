package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Grant is one persisted OAuth authorization for a (user, channel)
// pair. AccessSecret and RefreshSecret are stored encrypted; this
// package never sees plaintext credentials.
type Grant struct {
	ID               int64
	UserID           int64 // 0 when not bound to a local user
	ChannelID        string
	ChannelTitle     string
	ChannelHandle    string
	ChannelThumbnail string
	AccessSecret     string // encrypted
	RefreshSecret    string // encrypted
	TokenType        string
	ExpiresAt        time.Time
	Scopes           []string
	ChannelMetadata  string // JSON blob from the channel profile fetch
	Active           bool
	LastRefreshedAt  time.Time
	RefreshCount     int
	ErrorMsg         string
	ErrorAt          time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// GrantStore persists grants. All mutation goes through the token
// lifecycle manager; nothing else writes these rows.
type GrantStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewGrantStore creates a GrantStore sharing the given database handle.
func NewGrantStore(db *sql.DB, logger *slog.Logger) *GrantStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &GrantStore{db: db, logger: logger}
}

const grantCols = `id, user_id, channel_id, channel_title, channel_handle, channel_thumbnail,
	access_secret, refresh_secret, token_type, expires_at, scopes, channel_metadata,
	active, last_refreshed_at, refresh_count, error_msg, error_at, created_at, updated_at`

// Insert persists a new grant and sets its ID and timestamps.
func (s *GrantStore) Insert(ctx context.Context, g *Grant) error {
	now := time.Now()
	g.CreatedAt = now
	g.UpdatedAt = now

	scopes, err := encodeScopes(g.Scopes)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO grants
			(user_id, channel_id, channel_title, channel_handle, channel_thumbnail,
			 access_secret, refresh_secret, token_type, expires_at, scopes, channel_metadata,
			 active, last_refreshed_at, refresh_count, error_msg, error_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullInt64(g.UserID), g.ChannelID, nullString(g.ChannelTitle), nullString(g.ChannelHandle),
		nullString(g.ChannelThumbnail), g.AccessSecret, g.RefreshSecret, g.TokenType,
		g.ExpiresAt.UnixNano(), scopes, nullString(g.ChannelMetadata),
		boolInt(g.Active), nullTime(g.LastRefreshedAt), g.RefreshCount,
		nullString(g.ErrorMsg), nullTime(g.ErrorAt), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: inserting grant for channel %s: %w", g.ChannelID, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: grant insert id: %w", err)
	}

	g.ID = id

	s.logger.Info("grant stored",
		slog.Int64("grant_id", g.ID),
		slog.String("channel_id", g.ChannelID),
		slog.Time("expires_at", g.ExpiresAt),
	)

	return nil
}

// Update rewrites all mutable fields of an existing grant.
func (s *GrantStore) Update(ctx context.Context, g *Grant) error {
	g.UpdatedAt = time.Now()

	scopes, err := encodeScopes(g.Scopes)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE grants SET
			user_id = ?, channel_title = ?, channel_handle = ?, channel_thumbnail = ?,
			access_secret = ?, refresh_secret = ?, token_type = ?, expires_at = ?,
			scopes = ?, channel_metadata = ?, active = ?, last_refreshed_at = ?,
			refresh_count = ?, error_msg = ?, error_at = ?, updated_at = ?
		 WHERE id = ?`,
		nullInt64(g.UserID), nullString(g.ChannelTitle), nullString(g.ChannelHandle),
		nullString(g.ChannelThumbnail), g.AccessSecret, g.RefreshSecret, g.TokenType,
		g.ExpiresAt.UnixNano(), scopes, nullString(g.ChannelMetadata),
		boolInt(g.Active), nullTime(g.LastRefreshedAt), g.RefreshCount,
		nullString(g.ErrorMsg), nullTime(g.ErrorAt), g.UpdatedAt.UnixNano(), g.ID,
	)
	if err != nil {
		return fmt.Errorf("store: updating grant %d: %w", g.ID, err)
	}

	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("store: grant %d update rows affected: %w", g.ID, rowsErr)
	}

	if rows == 0 {
		return fmt.Errorf("store: updating grant %d: %w", g.ID, ErrNotFound)
	}

	return nil
}

// Get returns the grant with the given id.
func (s *GrantStore) Get(ctx context.Context, id int64) (*Grant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+grantCols+` FROM grants WHERE id = ?`, id)

	return scanGrant(row)
}

// GetActive returns the most recently refreshed active grant for the
// filter. userID 0 matches grants without a user binding as well;
// channelID "" matches any channel.
func (s *GrantStore) GetActive(ctx context.Context, userID int64, channelID string) (*Grant, error) {
	query := `SELECT ` + grantCols + ` FROM grants WHERE active = 1`
	args := []any{}

	if userID != 0 {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}

	if channelID != "" {
		query += ` AND channel_id = ?`
		args = append(args, channelID)
	}

	query += ` ORDER BY last_refreshed_at DESC LIMIT 1`

	return scanGrant(s.db.QueryRowContext(ctx, query, args...))
}

// ByChannel returns the grant (active or not) for a (user, channel)
// pair, used by the upsert path.
func (s *GrantStore) ByChannel(ctx context.Context, userID int64, channelID string) (*Grant, error) {
	query := `SELECT ` + grantCols + ` FROM grants WHERE channel_id = ?`
	args := []any{channelID}

	if userID != 0 {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}

	query += ` ORDER BY last_refreshed_at DESC LIMIT 1`

	return scanGrant(s.db.QueryRowContext(ctx, query, args...))
}

// ListActive returns all active grants, most recently refreshed first.
// userID 0 lists across users.
func (s *GrantStore) ListActive(ctx context.Context, userID int64) ([]*Grant, error) {
	query := `SELECT ` + grantCols + ` FROM grants WHERE active = 1`
	args := []any{}

	if userID != 0 {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}

	query += ` ORDER BY last_refreshed_at DESC`

	return s.queryGrants(ctx, query, args...)
}

// ListExpiring returns active grants whose expiry falls within the
// window. Used by the proactive refresh pass.
func (s *GrantStore) ListExpiring(ctx context.Context, within time.Duration) ([]*Grant, error) {
	cutoff := time.Now().Add(within).UnixNano()

	return s.queryGrants(ctx,
		`SELECT `+grantCols+` FROM grants WHERE active = 1 AND expires_at <= ? ORDER BY expires_at`,
		cutoff)
}

// DeleteInactiveBefore removes grants that are inactive or carry an
// unresolved error and have not been touched since the cutoff. Returns
// the number of rows removed.
func (s *GrantStore) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM grants
		 WHERE updated_at < ? AND (active = 0 OR error_msg IS NOT NULL)`,
		cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("store: retention sweep: %w", err)
	}

	n, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return 0, fmt.Errorf("store: retention sweep rows affected: %w", rowsErr)
	}

	if n > 0 {
		s.logger.Info("retention sweep removed grants",
			slog.Int64("count", n),
			slog.Time("cutoff", cutoff),
		)
	}

	return n, nil
}

// Delete removes a grant outright.
func (s *GrantStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM grants WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: deleting grant %d: %w", id, err)
	}

	return nil
}

func (s *GrantStore) queryGrants(ctx context.Context, query string, args ...any) ([]*Grant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying grants: %w", err)
	}
	defer rows.Close()

	var grants []*Grant

	for rows.Next() {
		g, scanErr := scanGrant(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		grants = append(grants, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating grant rows: %w", err)
	}

	return grants, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (*Grant, error) {
	var (
		g               Grant
		userID          sql.NullInt64
		title           sql.NullString
		handle          sql.NullString
		thumbnail       sql.NullString
		expiresAt       int64
		scopes          sql.NullString
		metadata        sql.NullString
		active          int
		lastRefreshedAt sql.NullInt64
		errorMsg        sql.NullString
		errorAt         sql.NullInt64
		createdAt       int64
		updatedAt       int64
	)

	err := row.Scan(
		&g.ID, &userID, &g.ChannelID, &title, &handle, &thumbnail,
		&g.AccessSecret, &g.RefreshSecret, &g.TokenType, &expiresAt, &scopes, &metadata,
		&active, &lastRefreshedAt, &g.RefreshCount, &errorMsg, &errorAt, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: scanning grant row: %w", err)
	}

	g.UserID = userID.Int64
	g.ChannelTitle = title.String
	g.ChannelHandle = handle.String
	g.ChannelThumbnail = thumbnail.String
	g.ExpiresAt = time.Unix(0, expiresAt)
	g.ChannelMetadata = metadata.String
	g.Active = active != 0
	g.ErrorMsg = errorMsg.String
	g.CreatedAt = time.Unix(0, createdAt)
	g.UpdatedAt = time.Unix(0, updatedAt)

	if lastRefreshedAt.Valid {
		g.LastRefreshedAt = time.Unix(0, lastRefreshedAt.Int64)
	}

	if errorAt.Valid {
		g.ErrorAt = time.Unix(0, errorAt.Int64)
	}

	if scopes.Valid && scopes.String != "" {
		if err := json.Unmarshal([]byte(scopes.String), &g.Scopes); err != nil {
			return nil, fmt.Errorf("store: decoding grant %d scopes: %w", g.ID, err)
		}
	}

	return &g, nil
}

func encodeScopes(scopes []string) (sql.NullString, error) {
	if len(scopes) == 0 {
		return sql.NullString{}, nil
	}

	b, err := json.Marshal(scopes)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("store: encoding scopes: %w", err)
	}

	return sql.NullString{String: string(b), Valid: true}, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
