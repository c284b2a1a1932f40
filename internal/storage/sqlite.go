package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/ppigraph/internal/interaction"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var _ InteractionStore = (*Store)(nil)

// Store wraps a SQLite database holding interaction facts and job records.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "ppigraph.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single connection serializes writers, which also makes every
	// read-merge-write transaction atomic with respect to other puts.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and maintenance commands.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

// migrate applies embedded SQL migrations that have not been recorded yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Interactions ---

const interactionColumns = `protein_a, protein_b, interaction_type, discovered_in_query, upstream_interactor,
	mediator_chain, functions, evidence, confidence, inferred_from_chain`

// Put inserts i, or merges it into the stored fact with the same key, inside
// one transaction.
func (s *Store) Put(ctx context.Context, i interaction.Interaction) error {
	i = i.Canonical()
	if err := i.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Unavailable("beginning put transaction", err)
	}
	defer tx.Rollback()

	if err := s.putTx(ctx, tx, i); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return Unavailable("committing put", err)
	}
	return nil
}

// PutAll stores all facts in a single transaction.
func (s *Store) PutAll(ctx context.Context, facts []interaction.Interaction) error {
	canon := make([]interaction.Interaction, len(facts))
	for n, f := range facts {
		canon[n] = f.Canonical()
		if err := canon[n].Validate(); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Unavailable("beginning put transaction", err)
	}
	defer tx.Rollback()

	for _, f := range canon {
		if err := s.putTx(ctx, tx, f); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return Unavailable("committing put", err)
	}
	return nil
}

func (s *Store) putTx(ctx context.Context, tx *sql.Tx, i interaction.Interaction) error {
	row := tx.QueryRowContext(ctx, `SELECT `+interactionColumns+` FROM interactions
		WHERE protein_a = ? AND protein_b = ? AND interaction_type = ?`,
		i.ProteinA, i.ProteinB, string(i.Type))
	existing, err := scanInteraction(row)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return Unavailable("reading existing interaction", err)
	default:
		i = interaction.Merge(existing, i)
	}

	chain, functions, evidence, err := encodeInteraction(i)
	if err != nil {
		return err
	}

	now := s.timestamp()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO interactions (`+interactionColumns+`, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (protein_a, protein_b, interaction_type) DO UPDATE SET
			discovered_in_query = excluded.discovered_in_query,
			upstream_interactor = excluded.upstream_interactor,
			mediator_chain = excluded.mediator_chain,
			functions = excluded.functions,
			evidence = excluded.evidence,
			confidence = excluded.confidence,
			inferred_from_chain = excluded.inferred_from_chain,
			updated_at = excluded.updated_at`,
		i.ProteinA, i.ProteinB, string(i.Type), i.DiscoveredInQuery, i.UpstreamInteractor,
		chain, functions, evidence, i.Confidence, i.InferredFromChain, now, now,
	)
	if err != nil {
		return Unavailable("upserting interaction", err)
	}

	for _, p := range []string{i.ProteinA, i.ProteinB} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO proteins (symbol, first_seen, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (symbol) DO UPDATE SET updated_at = excluded.updated_at`,
			p, now, now,
		); err != nil {
			return Unavailable("upserting protein", err)
		}
	}
	return nil
}

// GetAll returns every fact in which subject participates.
func (s *Store) GetAll(ctx context.Context, subject string) ([]interaction.Interaction, error) {
	subject = interaction.Normalize(subject)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+interactionColumns+` FROM interactions WHERE protein_a = ?
		UNION ALL
		SELECT `+interactionColumns+` FROM interactions WHERE protein_b = ?
		ORDER BY protein_a, protein_b, interaction_type`,
		subject, subject,
	)
	if err != nil {
		return nil, Unavailable("querying interactions", err)
	}
	defer rows.Close()

	var results []interaction.Interaction
	for rows.Next() {
		i, err := scanInteraction(rows)
		if err != nil {
			return nil, Unavailable("scanning interaction", err)
		}
		results = append(results, i)
	}
	if err := rows.Err(); err != nil {
		return nil, Unavailable("iterating interactions", err)
	}
	return results, nil
}

// Exists reports whether subject participates in at least one stored fact.
func (s *Store) Exists(ctx context.Context, subject string) (bool, error) {
	subject = interaction.Normalize(subject)
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT
		EXISTS (SELECT 1 FROM interactions WHERE protein_a = ?) OR
		EXISTS (SELECT 1 FROM interactions WHERE protein_b = ?)`,
		subject, subject,
	).Scan(&exists)
	if err != nil {
		return false, Unavailable("checking protein", err)
	}
	return exists, nil
}

// Stats counts proteins and facts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM (SELECT protein_a FROM interactions UNION SELECT protein_b FROM interactions)),
		(SELECT COUNT(*) FROM interactions)`,
	).Scan(&st.TotalProteins, &st.UniqueInteractions)
	if err != nil {
		return Stats{}, Unavailable("computing stats", err)
	}
	st.TotalRecords = st.UniqueInteractions
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInteraction(row rowScanner) (interaction.Interaction, error) {
	var (
		i                          interaction.Interaction
		typ                        string
		chain, functions, evidence string
	)
	if err := row.Scan(&i.ProteinA, &i.ProteinB, &typ, &i.DiscoveredInQuery, &i.UpstreamInteractor,
		&chain, &functions, &evidence, &i.Confidence, &i.InferredFromChain); err != nil {
		return interaction.Interaction{}, err
	}
	i.Type = interaction.Type(typ)
	if err := decodeJSONColumn(chain, &i.MediatorChain); err != nil {
		return interaction.Interaction{}, fmt.Errorf("decoding mediator_chain for %s-%s: %w", i.ProteinA, i.ProteinB, err)
	}
	if err := decodeJSONColumn(functions, &i.Functions); err != nil {
		return interaction.Interaction{}, fmt.Errorf("decoding functions for %s-%s: %w", i.ProteinA, i.ProteinB, err)
	}
	if err := decodeJSONColumn(evidence, &i.Evidence); err != nil {
		return interaction.Interaction{}, fmt.Errorf("decoding evidence for %s-%s: %w", i.ProteinA, i.ProteinB, err)
	}
	return i, nil
}

func decodeJSONColumn(raw string, v any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

// encodeInteraction renders the list columns as JSON text.
func encodeInteraction(i interaction.Interaction) (chain, functions, evidence string, err error) {
	enc := func(v any, empty bool) (string, error) {
		if empty {
			return "[]", nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	if chain, err = enc(i.MediatorChain, len(i.MediatorChain) == 0); err != nil {
		return "", "", "", fmt.Errorf("encoding mediator_chain: %w", err)
	}
	if functions, err = enc(i.Functions, len(i.Functions) == 0); err != nil {
		return "", "", "", fmt.Errorf("encoding functions: %w", err)
	}
	if evidence, err = enc(i.Evidence, len(i.Evidence) == 0); err != nil {
		return "", "", "", fmt.Errorf("encoding evidence: %w", err)
	}
	return chain, functions, evidence, nil
}
