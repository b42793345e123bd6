package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pressly/goose/v3"

	"github.com/joescharf/reviewd/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection serializes writers. The admission claims depend on
	// each conditional UPDATE seeing the previous one's result.
	db.SetMaxOpenConns(1)

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p.what, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle for health checks.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// isUniqueViolation reports whether err came from a UNIQUE constraint.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func statusArgs(statuses []models.JobStatus) (string, []any) {
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(placeholders, ","), args
}

// Migrate applies the embedded goose migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, sub)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Integrations ---

const integrationColumns = `id, owner_kind, owner_id, platform, installation_id, account, enabled, created_at`

func scanIntegration(row interface{ Scan(...any) error }) (*models.Integration, error) {
	in := &models.Integration{}
	var kind, platform string
	if err := row.Scan(&in.ID, &kind, &in.Owner.ID, &platform, &in.InstallationID, &in.Account, &in.Enabled, &in.CreatedAt); err != nil {
		return nil, err
	}
	in.Owner.Kind = models.OwnerKind(kind)
	in.Platform = models.Platform(platform)
	return in, nil
}

func (s *SQLiteStore) CreateIntegration(ctx context.Context, in *models.Integration) error {
	if in.ID == "" {
		in.ID = newULID()
	}
	in.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO integrations (`+integrationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, string(in.Owner.Kind), in.Owner.ID, string(in.Platform), in.InstallationID, in.Account, boolToInt(in.Enabled), in.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("integration %s/%s: %w", in.Platform, in.InstallationID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create integration: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetIntegration(ctx context.Context, id string) (*models.Integration, error) {
	in, err := scanIntegration(s.db.QueryRowContext(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("integration %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get integration: %w", err)
	}
	return in, nil
}

func (s *SQLiteStore) GetIntegrationByInstallation(ctx context.Context, platform models.Platform, installationID string) (*models.Integration, error) {
	in, err := scanIntegration(s.db.QueryRowContext(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE platform = ? AND installation_id = ?`,
		string(platform), installationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("integration %s/%s: %w", platform, installationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get integration by installation: %w", err)
	}
	return in, nil
}

// ListIntegrations lists integrations for owner, or all of them when owner is zero.
func (s *SQLiteStore) ListIntegrations(ctx context.Context, owner models.Owner) ([]*models.Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations`
	var args []any
	if !owner.IsZero() {
		query += ` WHERE owner_kind = ? AND owner_id = ?`
		args = append(args, string(owner.Kind), owner.ID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan integration: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// --- Agent configs ---

// GetAgentConfig returns the stored config, or the defaults when none was saved.
func (s *SQLiteStore) GetAgentConfig(ctx context.Context, owner models.Owner, agent models.AgentType) (*models.OwnerAgentConfig, error) {
	cfg := &models.OwnerAgentConfig{Owner: owner, AgentType: agent}
	var mode, repos, threshold string
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, concurrency_limit, selection_mode, selected_repos, sla_critical, sla_high, sla_medium, sla_low,
			auto_dismiss_enabled, auto_dismiss_threshold, model, updated_at
		FROM agent_configs WHERE owner_kind = ? AND owner_id = ? AND agent_type = ?`,
		string(owner.Kind), owner.ID, string(agent),
	).Scan(&cfg.Enabled, &cfg.ConcurrencyLimit, &mode, &repos,
		&cfg.SLA.Critical, &cfg.SLA.High, &cfg.SLA.Medium, &cfg.SLA.Low,
		&cfg.AutoDismiss.Enabled, &threshold, &cfg.Model, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DefaultAgentConfig(owner, agent), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent config: %w", err)
	}

	cfg.SelectionMode = models.RepoSelectionMode(mode)
	cfg.AutoDismiss.ConfidenceThreshold = models.Confidence(threshold)
	if err := json.Unmarshal([]byte(repos), &cfg.SelectedRepos); err != nil {
		return nil, fmt.Errorf("decode selected repos: %w", err)
	}
	return cfg, nil
}

func (s *SQLiteStore) SaveAgentConfig(ctx context.Context, cfg *models.OwnerAgentConfig) error {
	repos := cfg.SelectedRepos
	if repos == nil {
		repos = []string{}
	}
	data, err := json.Marshal(repos)
	if err != nil {
		return fmt.Errorf("encode selected repos: %w", err)
	}
	cfg.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_configs (owner_kind, owner_id, agent_type, enabled, concurrency_limit, selection_mode, selected_repos,
			sla_critical, sla_high, sla_medium, sla_low, auto_dismiss_enabled, auto_dismiss_threshold, model, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_kind, owner_id, agent_type) DO UPDATE SET
			enabled = excluded.enabled,
			concurrency_limit = excluded.concurrency_limit,
			selection_mode = excluded.selection_mode,
			selected_repos = excluded.selected_repos,
			sla_critical = excluded.sla_critical,
			sla_high = excluded.sla_high,
			sla_medium = excluded.sla_medium,
			sla_low = excluded.sla_low,
			auto_dismiss_enabled = excluded.auto_dismiss_enabled,
			auto_dismiss_threshold = excluded.auto_dismiss_threshold,
			model = excluded.model,
			updated_at = excluded.updated_at`,
		string(cfg.Owner.Kind), cfg.Owner.ID, string(cfg.AgentType), boolToInt(cfg.Enabled), cfg.ConcurrencyLimit,
		string(cfg.SelectionMode), string(data),
		cfg.SLA.Critical, cfg.SLA.High, cfg.SLA.Medium, cfg.SLA.Low,
		boolToInt(cfg.AutoDismiss.Enabled), string(cfg.AutoDismiss.ConfidenceThreshold), cfg.Model, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save agent config: %w", err)
	}
	return nil
}
