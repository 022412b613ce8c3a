package ai

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// ErrUnsafeQuery is returned when the generated SQL fails validation.
var ErrUnsafeQuery = errors.New("generated query rejected")

const defaultModel = "openai/gpt-4.1-mini"

// AgentConfig holds configuration for the AI agent.
type AgentConfig struct {
	// ClickHouse connection settings.
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string

	// OpenRouter / LLM settings.
	OpenRouterAPIKey string
	// Model name as understood by OpenRouter, e.g. "openai/gpt-4.1-mini".
	Model string

	Logger *logrus.Logger
}

// Querier runs read-only SQL and returns rows as column maps.
type Querier interface {
	Query(ctx context.Context, query string) ([]map[string]any, error)
}

// Agent answers questions about wallet trading activity by generating SQL over
// the trade archive and summarising the result.
type Agent struct {
	llm    llms.Model
	db     Querier
	closer func() error
	logger *logrus.Logger
}

// NewAgent creates a new Agent with its own ClickHouse and LLM clients.
func NewAgent(ctx context.Context, cfg AgentConfig) (*Agent, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.OpenRouterAPIKey == "" {
		return nil, fmt.Errorf("OPENROUTER_API_KEY is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}

	llm, err := openai.New(
		openai.WithToken(cfg.OpenRouterAPIKey),
		openai.WithBaseURL("https://openrouter.ai/api/v1"),
		openai.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenRouter LLM: %w", err)
	}

	db := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{cfg.ClickHouseAddr},
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouseDatabase,
			Username: cfg.ClickHouseUsername,
			Password: cfg.ClickHousePassword,
		},
	})
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse from AI agent: %w", err)
	}

	cfg.Logger.WithFields(logrus.Fields{
		"addr":     cfg.ClickHouseAddr,
		"database": cfg.ClickHouseDatabase,
		"model":    cfg.Model,
	}).Info("initialized AI agent")

	a := New(llm, sqlQuerier{db}, cfg.Logger)
	a.closer = db.Close
	return a, nil
}

// New builds an Agent over an existing model and query backend.
func New(llm llms.Model, db Querier, logger *logrus.Logger) *Agent {
	if logger == nil {
		logger = logrus.New()
	}
	return &Agent{llm: llm, db: db, logger: logger}
}

// Close closes underlying resources.
func (a *Agent) Close() error {
	if a.closer != nil {
		a.logger.Debug("closing AI agent ClickHouse connection")
		return a.closer()
	}
	return nil
}

// AskResult is the structured result of an Ask call.
type AskResult struct {
	SQL    string `json:"sql"`
	Answer string `json:"answer"`
}

// Ask takes a natural language question, generates SQL, executes it, and summarises the result.
func (a *Agent) Ask(ctx context.Context, question string) (*AskResult, error) {
	sqlQuery, err := a.generateSQL(ctx, question)
	if err != nil {
		return nil, err
	}

	rows, err := a.db.Query(ctx, sqlQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rows to JSON: %w", err)
	}

	answer, err := a.summariseResult(ctx, question, sqlQuery, string(data))
	if err != nil {
		return nil, err
	}

	return &AskResult{SQL: sqlQuery, Answer: answer}, nil
}

func (a *Agent) generateSQL(ctx context.Context, question string) (string, error) {
	prompt := fmt.Sprintf(`
You are an expert ClickHouse SQL generator.

Use ONLY the following table:
%s

Rules:
- Return a single SELECT query in ClickHouse SQL.
- Do NOT include any explanation or comments, only the SQL.
- The table is wallet_trades.
- Use block_time for time filtering.
- If user asks for "top" or "biggest" something, use ORDER BY ... DESC and LIMIT.
- Always include a LIMIT of at most 100 rows.
- Never modify data: no INSERT, UPDATE, DELETE, DROP, ALTER, CREATE, TRUNCATE.

User question:
%s
`, tradesSchemaDescription, question)

	resp, err := llms.GenerateFromSinglePrompt(ctx, a.llm, prompt, llms.WithMaxTokens(512))
	if err != nil {
		return "", fmt.Errorf("LLM SQL generation failed: %w", err)
	}

	sqlQuery := sanitizeSQL(resp)
	if err := validateSQL(sqlQuery); err != nil {
		a.logger.WithError(err).WithField("sql", sqlQuery).Warn("rejected generated SQL")
		return "", err
	}

	a.logger.WithField("sql", sqlQuery).Debug("generated SQL from question")
	return sqlQuery, nil
}

func (a *Agent) summariseResult(ctx context.Context, question, sqlQuery, rowsJSON string) (string, error) {
	prompt := fmt.Sprintf(`
You are a helpful assistant analysing the trading activity of monitored Solana wallets.

User question:
%s

SQL that was executed:
%s

Query results in JSON (array of objects, can be empty):
%s

Instructions:
- If the result set is empty, say that no data was found for the question.
- Otherwise, answer the question concisely using bullet points and short sentences.
- Include key numbers (SOL and USD amounts, counts) rounded reasonably.
- Do not restate the raw JSON.
`, question, sqlQuery, rowsJSON)

	resp, err := llms.GenerateFromSinglePrompt(ctx, a.llm, prompt, llms.WithMaxTokens(512))
	if err != nil {
		return "", fmt.Errorf("LLM summarisation failed: %w", err)
	}
	return strings.TrimSpace(resp), nil
}

// sanitizeSQL strips code fences and trailing semicolons from the LLM output.
func sanitizeSQL(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSpace(s)
	if strings.HasPrefix(strings.ToLower(s), "sql") {
		s = s[3:]
	}
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ";")
	return strings.TrimSpace(s)
}

// validateSQL enforces a conservative safety policy for generated SQL.
func validateSQL(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty SQL", ErrUnsafeQuery)
	}

	upper := strings.ToUpper(s)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return fmt.Errorf("%w: only SELECT queries are allowed", ErrUnsafeQuery)
	}

	padded := " " + strings.Join(strings.Fields(upper), " ") + " "
	for _, kw := range []string{
		"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "TRUNCATE",
		"CREATE", "RENAME", "ATTACH", "DETACH", "SYSTEM", "GRANT",
	} {
		if strings.Contains(padded, " "+kw+" ") {
			return fmt.Errorf("%w: keyword %s", ErrUnsafeQuery, kw)
		}
	}

	if strings.Contains(s, ";") {
		return fmt.Errorf("%w: multiple statements", ErrUnsafeQuery)
	}
	if !strings.Contains(strings.ToLower(s), tradesTable) {
		return fmt.Errorf("%w: query must target %s", ErrUnsafeQuery, tradesTable)
	}
	return nil
}

type sqlQuerier struct {
	db *sql.DB
}

func (q sqlQuerier) Query(ctx context.Context, query string) ([]map[string]any, error) {
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	out := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}
