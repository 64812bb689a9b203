// Package repository provides PostgreSQL-backed persistence for flag
// definitions, API keys and the audit log. It also handles LISTEN/NOTIFY-based
// change notifications so every server process can refresh its flag snapshot
// shortly after a write lands.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultNotifyChannel = "flag_changes"
	uniqueViolationCode  = "23505"
	listenRetryDelay     = time.Second
)

// ErrDuplicateFlag is returned (wrapped) when a flag with the same name exists.
var ErrDuplicateFlag = errors.New("duplicate flag")

// Flag is the repository-level representation of a flag row. Variants and
// rules are stored as JSONB and decoded by the service layer.
type Flag struct {
	Name                     string          `json:"name"`
	Description              string          `json:"description"`
	Enabled                  bool            `json:"enabled"`
	Scope                    string          `json:"scope"`
	DefaultRolloutPercentage int             `json:"default_rollout_percentage"`
	Variants                 json.RawMessage `json:"variants"`
	Rules                    json.RawMessage `json:"rules"`
	CreatedAt                time.Time       `json:"created_at"`
	UpdatedAt                time.Time       `json:"updated_at"`
}

// FlagChange is broadcast on the notify channel after a flag write.
type FlagChange struct {
	Name   string `json:"name"`
	Action string `json:"action"`
}

// APIKey is the stored credential used for bearer-token authentication. Keys
// belong to a tenant; only write-capable keys may change flag definitions.
type APIKey struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	CanWrite  bool       `json:"can_write"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// AuditLogEntry records a flag mutation performed through the API.
type AuditLogEntry struct {
	ID        int64           `json:"id"`
	TenantID  string          `json:"tenant_id"`
	APIKeyID  string          `json:"api_key_id,omitempty"`
	Action    string          `json:"action"`
	FlagName  string          `json:"flag_name"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// PostgresRepository implements flag, API key and audit persistence backed by
// a pgxpool connection pool.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// Option configures a [PostgresRepository].
type Option func(*PostgresRepository)

// WithNotifyChannel sets the LISTEN/NOTIFY channel used for flag changes.
func WithNotifyChannel(channel string) Option {
	return func(r *PostgresRepository) {
		r.notifyChannel = normalizeNotifyChannel(channel)
	}
}

// NewPostgresRepository creates a [PostgresRepository]. The default notify
// channel is "flag_changes".
func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	r := &PostgresRepository{
		pool:          pool,
		notifyChannel: defaultNotifyChannel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

const flagColumns = `name, description, enabled, scope, default_rollout_percentage, variants, rules, created_at, updated_at`

// CreateFlag inserts a new flag row and returns it with server-generated
// timestamps. A name collision returns [ErrDuplicateFlag] (wrapped).
func (r *PostgresRepository) CreateFlag(ctx context.Context, flag Flag) (Flag, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO flags (name, description, enabled, scope, default_rollout_percentage, variants, rules)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+flagColumns,
		flag.Name,
		flag.Description,
		flag.Enabled,
		normalizeScope(flag.Scope),
		flag.DefaultRolloutPercentage,
		ensureJSON(flag.Variants, "[]"),
		ensureJSON(flag.Rules, "[]"),
	)

	created, err := scanFlag(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Flag{}, fmt.Errorf("create flag: %w", ErrDuplicateFlag)
		}
		return Flag{}, fmt.Errorf("create flag: %w", err)
	}

	return created, nil
}

// UpdateFlag replaces an existing flag row identified by name. Returns
// pgx.ErrNoRows (wrapped) if the flag does not exist.
func (r *PostgresRepository) UpdateFlag(ctx context.Context, flag Flag) (Flag, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE flags
		SET description = $2,
		    enabled = $3,
		    scope = $4,
		    default_rollout_percentage = $5,
		    variants = $6,
		    rules = $7,
		    updated_at = NOW()
		WHERE name = $1
		RETURNING `+flagColumns,
		flag.Name,
		flag.Description,
		flag.Enabled,
		normalizeScope(flag.Scope),
		flag.DefaultRolloutPercentage,
		ensureJSON(flag.Variants, "[]"),
		ensureJSON(flag.Rules, "[]"),
	)

	updated, err := scanFlag(row)
	if err != nil {
		return Flag{}, fmt.Errorf("update flag: %w", err)
	}

	return updated, nil
}

// GetFlag retrieves a single flag by name. Returns pgx.ErrNoRows (wrapped) if
// not found.
func (r *PostgresRepository) GetFlag(ctx context.Context, name string) (Flag, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+flagColumns+` FROM flags WHERE name = $1`, name)

	flag, err := scanFlag(row)
	if err != nil {
		return Flag{}, fmt.Errorf("get flag: %w", err)
	}

	return flag, nil
}

// ListFlags returns all flags ordered by name.
func (r *PostgresRepository) ListFlags(ctx context.Context) ([]Flag, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+flagColumns+` FROM flags ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	flags := make([]Flag, 0)
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		flags = append(flags, flag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags rows: %w", err)
	}

	return flags, nil
}

// DeleteFlag removes a flag by name. Returns pgx.ErrNoRows (wrapped) if the
// flag does not exist.
func (r *PostgresRepository) DeleteFlag(ctx context.Context, name string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM flags WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete flag: %w", err)
	}

	return deleteFlagNoRows(commandTag)
}

// PublishFlagChange sends a NOTIFY on the configured channel so listening
// processes reload their snapshot.
func (r *PostgresRepository) PublishFlagChange(ctx context.Context, change FlagChange) error {
	payload, err := marshalNotifyPayload(change)
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := r.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, payload); err != nil {
		return fmt.Errorf("notify flag change: %w", err)
	}

	return nil
}

// SubscribeFlagInvalidation returns a channel that receives a signal whenever
// a flag change notification arrives. The channel is closed when ctx ends.
func (r *PostgresRepository) SubscribeFlagInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runFlagInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runFlagInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForFlagInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(listenRetryDelay)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForFlagInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for flag change notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

// ValidateAPIKey returns the stored record for a non-revoked key ID.
// Callers compare the secret against KeyHash outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (APIKey, error) {
	var key APIKey
	if err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, key_hash, can_write, created_at
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&key.ID, &key.TenantID, &key.Name, &key.KeyHash, &key.CanWrite, &key.CreatedAt); err != nil {
		return APIKey{}, fmt.Errorf("validate api key: %w", err)
	}

	return key, nil
}

// CreateAPIKey generates a new API key for a tenant, storing a bcrypt hash of
// the secret. The raw secret is returned exactly once.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, tenantID, name string, canWrite bool) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := HashAPIKey(secret)
	if err != nil {
		return "", "", err
	}

	if strings.TrimSpace(name) == "" {
		name = "api-key-" + keyID[:8]
	}

	if _, err := r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, tenant_id, name, key_hash, can_write)
		VALUES ($1, $2, $3, $4, $5)
	`, keyID, tenantID, name, hash, canWrite); err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// ListAPIKeys returns all non-revoked keys of a tenant. Hashes are included in
// the struct but never serialized.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context, tenantID string) ([]APIKey, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, name, key_hash, can_write, created_at
		FROM api_keys
		WHERE tenant_id = $1 AND revoked_at IS NULL
		ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKey, 0)
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.CanWrite, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}

	return keys, nil
}

// RevokeAPIKey soft-deletes a key by setting revoked_at. Returns
// pgx.ErrNoRows (wrapped) if the key does not exist or is already revoked.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, tenantID, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND revoked_at IS NULL
	`, keyID, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("revoke api key: %w", pgx.ErrNoRows)
	}
	return nil
}

// InsertAuditLog writes a single audit log entry.
func (r *PostgresRepository) InsertAuditLog(ctx context.Context, entry AuditLogEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (tenant_id, api_key_id, action, flag_name, details)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.TenantID, entry.APIKeyID, entry.Action, entry.FlagName, entry.Details)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListAuditLog returns a tenant's audit log entries, newest first.
func (r *PostgresRepository) ListAuditLog(ctx context.Context, tenantID string, limit, offset int) ([]AuditLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, api_key_id, action, flag_name, details, created_at
		FROM audit_log
		WHERE tenant_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]AuditLogEntry, 0)
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.APIKeyID, &e.Action, &e.FlagName, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit log rows: %w", err)
	}
	return entries, nil
}

func scanFlag(row pgx.Row) (Flag, error) {
	var flag Flag
	err := row.Scan(
		&flag.Name,
		&flag.Description,
		&flag.Enabled,
		&flag.Scope,
		&flag.DefaultRolloutPercentage,
		&flag.Variants,
		&flag.Rules,
		&flag.CreatedAt,
		&flag.UpdatedAt,
	)
	return flag, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func deleteFlagNoRows(commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete flag: %w", pgx.ErrNoRows)
	}

	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func normalizeScope(scope string) string {
	if trimmed := strings.TrimSpace(scope); trimmed != "" {
		return trimmed
	}

	return "user"
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func marshalNotifyPayload(change FlagChange) (string, error) {
	serialized, err := json.Marshal(change)
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
