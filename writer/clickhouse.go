package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	appconfig "tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

const maxResponseBody = 512

// ErrInvalidRow marks a row that cannot be turned into a statement. Such rows
// never reach the network.
var ErrInvalidRow = errors.New("invalid row")

// InsertError reports a failed insert: transport failure, non-2xx response
// from the sink or a row rejected before sending.
type InsertError struct {
	Table      string
	StatusCode int
	Message    string
	Err        error
}

func (e *InsertError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("insert into %s: status %d: %s", e.Table, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("insert into %s: %v", e.Table, e.Err)
}

func (e *InsertError) Unwrap() error { return e.Err }

// IsInsertError reports whether err is, or wraps, an *InsertError.
func IsInsertError(err error) bool {
	var ie *InsertError
	return errors.As(err, &ie)
}

// Sink accepts one row at a time.
type Sink interface {
	Write(ctx context.Context, row models.Row) error
}

// ClickHouseWriter posts one INSERT statement per row to the ClickHouse HTTP
// interface. It is safe for concurrent use.
type ClickHouseWriter struct {
	endpoint   string
	user       string
	password   string
	httpClient *http.Client
	log        *logger.Log
}

// NewClickHouseWriter builds a writer for the configured endpoint.
func NewClickHouseWriter(cfg appconfig.ClickHouseConfig) (*ClickHouseWriter, error) {
	return newClickHouseWriter(cfg, &http.Client{Timeout: cfg.Timeout})
}

func newClickHouseWriter(cfg appconfig.ClickHouseConfig, httpClient *http.Client) (*ClickHouseWriter, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid clickhouse endpoint: %w", err)
	}
	if cfg.Database != "" {
		q := u.Query()
		q.Set("database", cfg.Database)
		u.RawQuery = q.Encode()
	}

	w := &ClickHouseWriter{
		endpoint:   u.String(),
		user:       cfg.User,
		password:   cfg.Password,
		httpClient: httpClient,
		log:        logger.GetLogger(),
	}

	w.log.WithComponent("clickhouse_writer").WithFields(logger.Fields{
		"endpoint": u.Redacted(),
		"database": cfg.Database,
		"timeout":  cfg.Timeout,
	}).Debug("clickhouse writer initialized")

	return w, nil
}

// BuildInsert renders row as a single INSERT statement. Identifiers are
// checked against a strict pattern and every value is emitted as an escaped
// string literal.
func BuildInsert(row models.Row) (string, error) {
	if !validIdentifier(row.Table) {
		return "", fmt.Errorf("%w: table name %q", ErrInvalidRow, row.Table)
	}
	if len(row.Columns) == 0 {
		return "", fmt.Errorf("%w: no columns", ErrInvalidRow)
	}
	if len(row.Columns) != len(row.Values) {
		return "", fmt.Errorf("%w: %d columns but %d values", ErrInvalidRow, len(row.Columns), len(row.Values))
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(row.Table)
	b.WriteString(" (")
	for i, c := range row.Columns {
		if !validIdentifier(c) || strings.Contains(c, ".") {
			return "", fmt.Errorf("%w: column name %q", ErrInvalidRow, c)
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c)
	}
	b.WriteString(") VALUES (")
	for i, v := range row.Values {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteLiteral(v))
	}
	b.WriteString(")")
	return b.String(), nil
}

// Write inserts row. It returns nil only when the sink answered 2xx.
func (w *ClickHouseWriter) Write(ctx context.Context, row models.Row) error {
	stmt, err := BuildInsert(row)
	if err != nil {
		return &InsertError{Table: row.Table, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, strings.NewReader(stmt))
	if err != nil {
		return &InsertError{Table: row.Table, Err: err}
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if w.user != "" {
		req.Header.Set("X-ClickHouse-User", w.user)
	}
	if w.password != "" {
		req.Header.Set("X-ClickHouse-Key", w.password)
	}

	start := time.Now()
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return &InsertError{Table: row.Table, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	log := w.log.WithComponent("clickhouse_writer").WithFields(logger.Fields{"table": row.Table})
	logger.LogPerformanceEntry(log, "clickhouse_writer", "insert", time.Since(start), logger.Fields{
		"status": resp.StatusCode,
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(bytes.TrimSpace(body))
		if len(msg) > maxResponseBody {
			msg = msg[:maxResponseBody] + "..."
		}
		return &InsertError{
			Table:      row.Table,
			StatusCode: resp.StatusCode,
			Message:    msg,
			Err:        fmt.Errorf("clickhouse returned %s", resp.Status),
		}
	}
	return nil
}
