package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/util"
)

// DefaultSQLQuery matches the longest query keyword against a snippet column.
// Placeholders use '?' and are rebound for the driver.
const DefaultSQLQuery = `SELECT id, title, url, snippet, score
FROM enrichment_documents
WHERE LOWER(snippet) LIKE ?
ORDER BY score DESC
LIMIT ?`

// SQLConfig configures the database enrichment agent.
type SQLConfig struct {
	Driver       string        `mapstructure:"driver" yaml:"driver"`
	DSN          string        `mapstructure:"dsn" yaml:"dsn"`
	Query        string        `mapstructure:"query" yaml:"query"`
	Limit        int           `mapstructure:"limit" yaml:"limit"`
	MaxOpenConns int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	ConnMaxIdle  time.Duration `mapstructure:"conn_max_idle" yaml:"conn_max_idle"`
}

// Enabled reports whether a database is configured.
func (c SQLConfig) Enabled() bool { return c.Driver != "" && c.DSN != "" }

func (c SQLConfig) withDefaults() SQLConfig {
	if c.Query == "" {
		c.Query = DefaultSQLQuery
	}
	if c.Limit <= 0 {
		c.Limit = 5
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 4
	}
	return c
}

// OpenDatabase connects and verifies the enrichment database.
func OpenDatabase(ctx context.Context, cfg SQLConfig, settings circuitbreaker.Settings, logger *zap.Logger) (*circuitbreaker.DatabaseWrapper, error) {
	switch cfg.Driver {
	case "postgres", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}
	cfg = cfg.withDefaults()
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	if cfg.ConnMaxIdle > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdle)
	}
	wrapper := circuitbreaker.NewDatabaseWrapper(db, settings, logger)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wrapper.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	return wrapper, nil
}

// SQLAgent enriches the context with rows from a relational store.
type SQLAgent struct {
	cfg SQLConfig
	db  *circuitbreaker.DatabaseWrapper
}

func NewSQLAgent(cfg SQLConfig, db *circuitbreaker.DatabaseWrapper) *SQLAgent {
	return &SQLAgent{cfg: cfg.withDefaults(), db: db}
}

type enrichmentRow struct {
	ID      string  `db:"id"`
	Title   string  `db:"title"`
	URL     *string `db:"url"`
	Snippet string  `db:"snippet"`
	Score   float64 `db:"score"`
}

func (a *SQLAgent) Execute(ctx context.Context, qc *pipeline.QueryContext) pipeline.AgentResult {
	agent := string(pipeline.KindDBEnrichment)
	term := longest(util.Keywords(qc.Query()))
	if term == "" {
		return pipeline.Succeeded(pipeline.Documents{}, 0)
	}

	var rows []enrichmentRow
	err := a.db.SelectContext(ctx, &rows, a.db.Rebind(a.cfg.Query), "%"+strings.ToLower(term)+"%", a.cfg.Limit)
	if err != nil {
		return failure(agent, err)
	}

	docs := make(pipeline.Documents, 0, len(rows))
	for _, r := range rows {
		d := pipeline.Document{ID: "db:" + r.ID, Title: r.Title, Snippet: r.Snippet, Score: r.Score, Source: agent}
		if r.URL != nil {
			d.URL = *r.URL
		}
		docs = append(docs, d)
	}
	if len(docs) == 0 {
		return pipeline.Succeeded(docs, 0)
	}
	return pipeline.Succeeded(docs, 0.6)
}

func longest(words []string) string {
	best := ""
	for _, w := range words {
		if len(w) > len(best) {
			best = w
		}
	}
	return best
}
