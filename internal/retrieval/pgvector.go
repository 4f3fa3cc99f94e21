package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultTable is the pgvector table populated by the offline indexer.
const DefaultTable = "healthcare_chunks"

// PGVectorRetriever runs cosine-distance nearest-neighbour queries against a
// pgvector table with columns content, source and embedding.
type PGVectorRetriever struct {
	pool     *pgxpool.Pool
	embedder Embedder
	table    string
	minScore float64
}

// PGVectorOption configures a PGVectorRetriever.
type PGVectorOption func(*PGVectorRetriever)

// WithTable sets the table name, optionally schema qualified.
func WithTable(table string) PGVectorOption {
	return func(r *PGVectorRetriever) { r.table = table }
}

// WithMinScore drops fragments whose similarity is below min.
func WithMinScore(min float64) PGVectorOption {
	return func(r *PGVectorRetriever) { r.minScore = min }
}

// NewPGVectorRetriever creates a retriever over an existing pool.
func NewPGVectorRetriever(pool *pgxpool.Pool, embedder Embedder, opts ...PGVectorOption) *PGVectorRetriever {
	r := &PGVectorRetriever{pool: pool, embedder: embedder, table: DefaultTable}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ping checks that the table is reachable.
func (r *PGVectorRetriever) Ping(ctx context.Context) error {
	var n int
	q := fmt.Sprintf("SELECT 1 FROM %s LIMIT 1", quoteTable(r.table))
	err := r.pool.QueryRow(ctx, q).Scan(&n)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("pgvector ping %s: %w", r.table, err)
	}
	return nil
}

// Fetch embeds query and returns the k nearest fragments.
func (r *PGVectorRetriever) Fetch(ctx context.Context, query string, k int) ([]Fragment, error) {
	if k <= 0 {
		k = DefaultK
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf(`
		SELECT content, COALESCE(source, ''), embedding <=> $1::vector AS distance
		FROM %s
		ORDER BY distance
		LIMIT $2`, quoteTable(r.table))
	rows, err := r.pool.Query(ctx, q, vectorLiteral(vec), k)
	if err != nil {
		return nil, fmt.Errorf("pgvector query: %w", err)
	}
	frags, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Fragment, error) {
		var (
			f        Fragment
			distance float64
		)
		err := row.Scan(&f.Text, &f.Source, &distance)
		f.Score = 1 - distance
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("pgvector scan: %w", err)
	}

	out := frags[:0]
	for _, f := range frags {
		if f.Score >= r.minScore {
			out = append(out, f)
		}
	}
	sortFragments(out)
	return out, nil
}

// quoteTable sanitises a possibly schema-qualified table name.
func quoteTable(table string) string {
	return pgx.Identifier(strings.Split(table, ".")).Sanitize()
}

// vectorLiteral renders v in pgvector's text input format.
func vectorLiteral(v []float32) string {
	var sb strings.Builder
	sb.Grow(len(v) * 10)
	sb.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(x), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
