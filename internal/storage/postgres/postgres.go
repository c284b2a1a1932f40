package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/ppigraph/internal/interaction"
	"github.com/kalambet/ppigraph/internal/storage"
)

var _ storage.InteractionStore = (*Client)(nil)

// Client stores interaction facts in PostgreSQL, one row per canonical pair
// and type, indexed under both participants.
type Client struct {
	pool *pgxpool.Pool
}

// New connects to dsn and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Client, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	c := &Client{pool: pool}
	if err := c.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

// EnsureSchema creates tables and indexes if they do not exist.
func (c *Client) EnsureSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS proteins (
    symbol     TEXT PRIMARY KEY,
    first_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS interactions (
    id                  BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    protein_a           TEXT NOT NULL REFERENCES proteins(symbol),
    protein_b           TEXT NOT NULL REFERENCES proteins(symbol),
    interaction_type    TEXT NOT NULL CHECK (interaction_type IN ('direct', 'indirect')),
    discovered_in_query TEXT NOT NULL DEFAULT '',
    upstream_interactor TEXT NOT NULL DEFAULT '',
    mediator_chain      JSONB NOT NULL DEFAULT '[]',
    functions           JSONB NOT NULL DEFAULT '[]',
    evidence            JSONB NOT NULL DEFAULT '[]',
    confidence          DOUBLE PRECISION NOT NULL DEFAULT 0,
    inferred_from_chain BOOLEAN NOT NULL DEFAULT FALSE,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT ck_interaction_canonical CHECK (protein_a < protein_b),
    CONSTRAINT uq_interaction_pair UNIQUE (protein_a, protein_b, interaction_type)
);

CREATE INDEX IF NOT EXISTS idx_interactions_a ON interactions (protein_a);
CREATE INDEX IF NOT EXISTS idx_interactions_b ON interactions (protein_b);
`
	if _, err := c.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}

const columns = `protein_a, protein_b, interaction_type, discovered_in_query, upstream_interactor,
	mediator_chain, functions, evidence, confidence, inferred_from_chain`

func (c *Client) Put(ctx context.Context, i interaction.Interaction) error {
	return c.PutAll(ctx, []interaction.Interaction{i})
}

// PutAll merges every fact inside one transaction. A transaction-scoped
// advisory lock on the edge key serializes writers to the same pair, including
// the first insert when no row exists yet to lock. Locks are taken in a fixed
// order so that overlapping batches cannot deadlock.
func (c *Client) PutAll(ctx context.Context, facts []interaction.Interaction) error {
	canon := make([]interaction.Interaction, len(facts))
	for n, f := range facts {
		canon[n] = f.Canonical()
		if err := canon[n].Validate(); err != nil {
			return err
		}
	}
	proteins, canon := lockOrder(canon)

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return storage.Unavailable("beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	for _, p := range proteins {
		if _, err := tx.Exec(ctx,
			`INSERT INTO proteins (symbol) VALUES ($1)
ON CONFLICT (symbol) DO UPDATE SET updated_at = now()`, p); err != nil {
			return storage.Unavailable("upserting protein", err)
		}
	}
	for _, f := range canon {
		if err := putTx(ctx, tx, f); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return storage.Unavailable("committing transaction", err)
	}
	return nil
}

// lockOrder returns the sorted distinct participants and the facts sorted by
// edge key. Facts with equal keys keep their relative order.
func lockOrder(facts []interaction.Interaction) ([]string, []interaction.Interaction) {
	sorted := slices.Clone(facts)
	slices.SortStableFunc(sorted, func(a, b interaction.Interaction) int {
		ka, kb := a.Key(), b.Key()
		switch {
		case ka.Less(kb):
			return -1
		case kb.Less(ka):
			return 1
		}
		return 0
	})
	proteins := make([]string, 0, 2*len(facts))
	for _, f := range facts {
		proteins = append(proteins, f.ProteinA, f.ProteinB)
	}
	slices.Sort(proteins)
	return slices.Compact(proteins), sorted
}

func putTx(ctx context.Context, tx pgx.Tx, i interaction.Interaction) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, i.Key().String()); err != nil {
		return storage.Unavailable("locking interaction", err)
	}

	existing, err := scan(tx.QueryRow(ctx,
		`SELECT `+columns+` FROM interactions
WHERE protein_a = $1 AND protein_b = $2 AND interaction_type = $3`,
		i.ProteinA, i.ProteinB, string(i.Type)))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return storage.Unavailable("reading existing interaction", err)
	default:
		i = interaction.Merge(existing, i)
	}

	chain, functions, evidence, err := encode(i)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO interactions (`+columns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (protein_a, protein_b, interaction_type) DO UPDATE SET
    discovered_in_query = EXCLUDED.discovered_in_query,
    upstream_interactor = EXCLUDED.upstream_interactor,
    mediator_chain = EXCLUDED.mediator_chain,
    functions = EXCLUDED.functions,
    evidence = EXCLUDED.evidence,
    confidence = EXCLUDED.confidence,
    inferred_from_chain = EXCLUDED.inferred_from_chain,
    updated_at = now()`,
		i.ProteinA, i.ProteinB, string(i.Type), i.DiscoveredInQuery, i.UpstreamInteractor,
		chain, functions, evidence, i.Confidence, i.InferredFromChain,
	)
	if err != nil {
		return storage.Unavailable("upserting interaction", err)
	}
	return nil
}

func (c *Client) GetAll(ctx context.Context, subject string) ([]interaction.Interaction, error) {
	subject = interaction.Normalize(subject)
	rows, err := c.pool.Query(ctx,
		`SELECT `+columns+` FROM interactions
WHERE protein_a = $1 OR protein_b = $1
ORDER BY protein_a, protein_b, interaction_type`, subject)
	if err != nil {
		return nil, storage.Unavailable("querying interactions", err)
	}
	defer rows.Close()

	var results []interaction.Interaction
	for rows.Next() {
		i, err := scan(rows)
		if err != nil {
			return nil, storage.Unavailable("scanning interaction", err)
		}
		results = append(results, i)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Unavailable("iterating interactions", err)
	}
	return results, nil
}

func (c *Client) Exists(ctx context.Context, subject string) (bool, error) {
	subject = interaction.Normalize(subject)
	var exists bool
	err := c.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM interactions WHERE protein_a = $1 OR protein_b = $1)`,
		subject).Scan(&exists)
	if err != nil {
		return false, storage.Unavailable("checking protein", err)
	}
	return exists, nil
}

func (c *Client) Stats(ctx context.Context) (storage.Stats, error) {
	var st storage.Stats
	err := c.pool.QueryRow(ctx, `SELECT
    (SELECT COUNT(*) FROM (SELECT protein_a FROM interactions UNION SELECT protein_b FROM interactions) p),
    (SELECT COUNT(*) FROM interactions)`).Scan(&st.TotalProteins, &st.UniqueInteractions)
	if err != nil {
		return storage.Stats{}, storage.Unavailable("computing stats", err)
	}
	st.TotalRecords = st.UniqueInteractions
	return st, nil
}

func scan(row pgx.Row) (interaction.Interaction, error) {
	var (
		i                          interaction.Interaction
		typ                        string
		chain, functions, evidence []byte
	)
	if err := row.Scan(&i.ProteinA, &i.ProteinB, &typ, &i.DiscoveredInQuery, &i.UpstreamInteractor,
		&chain, &functions, &evidence, &i.Confidence, &i.InferredFromChain); err != nil {
		return interaction.Interaction{}, err
	}
	i.Type = interaction.Type(typ)
	for _, col := range []struct {
		name string
		raw  []byte
		dst  any
	}{
		{"mediator_chain", chain, &i.MediatorChain},
		{"functions", functions, &i.Functions},
		{"evidence", evidence, &i.Evidence},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return interaction.Interaction{}, fmt.Errorf("decoding %s for %s-%s: %w", col.name, i.ProteinA, i.ProteinB, err)
		}
	}
	return i, nil
}

func encode(i interaction.Interaction) (chain, functions, evidence []byte, err error) {
	list := func(v any, n int) ([]byte, error) {
		if n == 0 {
			return []byte("[]"), nil
		}
		return json.Marshal(v)
	}
	if chain, err = list(i.MediatorChain, len(i.MediatorChain)); err != nil {
		return nil, nil, nil, fmt.Errorf("encoding mediator_chain: %w", err)
	}
	if functions, err = list(i.Functions, len(i.Functions)); err != nil {
		return nil, nil, nil, fmt.Errorf("encoding functions: %w", err)
	}
	if evidence, err = list(i.Evidence, len(i.Evidence)); err != nil {
		return nil, nil, nil, fmt.Errorf("encoding evidence: %w", err)
	}
	return chain, functions, evidence, nil
}
