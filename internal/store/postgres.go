package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// DefaultPostgresConfig returns sensible defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:         "localhost",
		Port:         5432,
		Database:     "llmgate",
		SSLMode:      "disable",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
		ConnLifetime: 5 * time.Minute,
	}
}

// PostgresUsageStore implements UsageStore using PostgreSQL.
type PostgresUsageStore struct {
	db *sql.DB
}

// NewPostgresUsageStore opens a connection pool and verifies connectivity.
func NewPostgresUsageStore(cfg *PostgresConfig) (*PostgresUsageStore, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresUsageStore{db: db}, nil
}

// NewPostgresUsageStoreFromDB wraps an existing connection pool.
func NewPostgresUsageStoreFromDB(db *sql.DB) *PostgresUsageStore {
	return &PostgresUsageStore{db: db}
}

// Ping checks database connectivity.
func (s *PostgresUsageStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgresUsageStore) Close() error {
	return s.db.Close()
}

// CreatePending inserts the initial usage row.
func (s *PostgresUsageStore) CreatePending(ctx context.Context, rec *UsageRecord) error {
	query := `
		INSERT INTO usage_records (request_id, user_id, api_key_id, api_format,
		                           model, is_stream, status, request_headers,
		                           request_body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (request_id) DO NOTHING`

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, query,
		rec.RequestID, rec.UserID, rec.APIKeyID, rec.APIFormat,
		rec.Model, rec.IsStream, string(UsagePending),
		nullJSON(rec.RequestHeaders), nullJSON(rec.RequestBody), createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDuplicateRequest
	}
	return nil
}

// UpdateStatus moves a non-terminal row to a new non-terminal status and
// attaches routing fields once they are known.
func (s *PostgresUsageStore) UpdateStatus(ctx context.Context, requestID string, upd StatusUpdate) error {
	query := `
		UPDATE usage_records
		SET status = $2,
		    provider_id = COALESCE(NULLIF($3, ''), provider_id),
		    endpoint_id = COALESCE(NULLIF($4, ''), endpoint_id),
		    key_id = COALESCE(NULLIF($5, ''), key_id),
		    api_format = COALESCE(NULLIF($6, ''), api_format),
		    has_format_conversion = has_format_conversion OR $7,
		    first_byte_time_ms = CASE WHEN first_byte_time_ms = 0 AND $8 > 0
		                              THEN $8 ELSE first_byte_time_ms END,
		    updated_at = NOW()
		WHERE request_id = $1
		  AND status NOT IN ('completed', 'failed', 'cancelled')`

	res, err := s.db.ExecContext(ctx, query,
		requestID, string(upd.Status),
		upd.ProviderID, upd.EndpointID, upd.KeyID, upd.APIFormat,
		upd.HasFormatConversion, upd.FirstByteTimeMS,
	)
	if err != nil {
		return fmt.Errorf("update usage status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return s.classifyMiss(ctx, requestID)
	}
	return nil
}

// Finalize applies the terminal update and increments the provider's monthly
// accumulator in the same transaction.
func (s *PostgresUsageStore) Finalize(ctx context.Context, requestID string, upd TerminalUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var status string
	var providerID sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT status, provider_id FROM usage_records WHERE request_id = $1 FOR UPDATE`,
		requestID,
	).Scan(&status, &providerID)
	if err == sql.ErrNoRows {
		return ErrRequestNotFound
	}
	if err != nil {
		return fmt.Errorf("lock usage record: %w", err)
	}

	if UsageStatus(status).IsTerminal() {
		if UsageStatus(status) == upd.Status {
			return nil
		}
		return ErrTerminalState
	}

	query := `
		UPDATE usage_records
		SET status = $2, status_code = $3,
		    input_tokens = $4, output_tokens = $5, cache_read_tokens = $6,
		    cache_creation_5m_tokens = $7, cache_creation_1h_tokens = $8,
		    response_time_ms = $9,
		    first_byte_time_ms = CASE WHEN first_byte_time_ms = 0 AND $10 > 0
		                              THEN $10 ELSE first_byte_time_ms END,
		    total_cost_usd = $11, actual_total_cost_usd = $12,
		    error_message = $13,
		    response_body = COALESCE($14, response_body),
		    request_metadata = COALESCE($15, request_metadata),
		    updated_at = NOW()
		WHERE request_id = $1`

	_, err = tx.ExecContext(ctx, query,
		requestID, string(upd.Status), upd.StatusCode,
		upd.Usage.InputTokens, upd.Usage.OutputTokens, upd.Usage.CacheReadTokens,
		upd.Usage.CacheCreation5mTokens, upd.Usage.CacheCreation1hTokens,
		upd.ResponseTimeMS, upd.FirstByteTimeMS,
		upd.TotalCostUSD, upd.ActualTotalCostUSD,
		upd.ErrorMessage, nullJSON(upd.ResponseBody), nullJSON(upd.RequestMetadata),
	)
	if err != nil {
		return fmt.Errorf("finalize usage record: %w", err)
	}

	if providerID.Valid && upd.ActualTotalCostUSD > 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE providers SET monthly_used_usd = monthly_used_usd + $1 WHERE id = $2`,
			upd.ActualTotalCostUSD, providerID.String,
		)
		if err != nil {
			return fmt.Errorf("accumulate provider usage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finalize: %w", err)
	}
	return nil
}

// Get retrieves a usage row by request ID.
func (s *PostgresUsageStore) Get(ctx context.Context, requestID string) (*UsageRecord, error) {
	query := `
		SELECT request_id, user_id, api_key_id, api_format, model, is_stream,
		       provider_id, endpoint_id, key_id,
		       input_tokens, output_tokens, cache_read_tokens,
		       cache_creation_5m_tokens, cache_creation_1h_tokens,
		       response_time_ms, first_byte_time_ms, status_code, status,
		       has_format_conversion, total_cost_usd, actual_total_cost_usd,
		       error_message, request_headers, request_body, response_body,
		       request_metadata, created_at, updated_at
		FROM usage_records
		WHERE request_id = $1`

	var rec UsageRecord
	var providerID, endpointID, keyID, errorMessage sql.NullString
	var requestHeaders, requestBody, responseBody, requestMetadata sql.NullString
	var status string

	err := s.db.QueryRowContext(ctx, query, requestID).Scan(
		&rec.RequestID, &rec.UserID, &rec.APIKeyID, &rec.APIFormat,
		&rec.Model, &rec.IsStream,
		&providerID, &endpointID, &keyID,
		&rec.Usage.InputTokens, &rec.Usage.OutputTokens, &rec.Usage.CacheReadTokens,
		&rec.Usage.CacheCreation5mTokens, &rec.Usage.CacheCreation1hTokens,
		&rec.ResponseTimeMS, &rec.FirstByteTimeMS, &rec.StatusCode, &status,
		&rec.HasFormatConversion, &rec.TotalCostUSD, &rec.ActualTotalCostUSD,
		&errorMessage, &requestHeaders, &requestBody, &responseBody,
		&requestMetadata, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query usage record: %w", err)
	}

	rec.Status = UsageStatus(status)
	rec.ProviderID = providerID.String
	rec.EndpointID = endpointID.String
	rec.KeyID = keyID.String
	rec.ErrorMessage = errorMessage.String
	if requestHeaders.Valid {
		rec.RequestHeaders = []byte(requestHeaders.String)
	}
	if requestBody.Valid {
		rec.RequestBody = []byte(requestBody.String)
	}
	if responseBody.Valid {
		rec.ResponseBody = []byte(responseBody.String)
	}
	if requestMetadata.Valid {
		rec.RequestMetadata = []byte(requestMetadata.String)
	}
	return &rec, nil
}

// AppendCandidate inserts one dispatch-attempt row.
func (s *PostgresUsageStore) AppendCandidate(ctx context.Context, rec *CandidateRecord) error {
	query := `
		INSERT INTO usage_candidates (request_id, candidate_index, retry_index,
		                              provider_id, provider_name, endpoint_id,
		                              key_id, state, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (request_id, candidate_index, retry_index)
		DO UPDATE SET state = EXCLUDED.state`

	startedAt := rec.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.RequestID, rec.CandidateIndex, rec.RetryIndex,
		rec.ProviderID, rec.ProviderName, rec.EndpointID,
		rec.KeyID, string(rec.State), startedAt,
	)
	if err != nil {
		return fmt.Errorf("insert candidate record: %w", err)
	}
	return nil
}

// UpdateCandidate finalizes one dispatch-attempt row.
func (s *PostgresUsageStore) UpdateCandidate(ctx context.Context, requestID string, candidateIndex, retryIndex int, upd CandidateUpdate) error {
	query := `
		UPDATE usage_candidates
		SET state = $4,
		    status_code = CASE WHEN $5 != 0 THEN $5 ELSE status_code END,
		    error_type = COALESCE(NULLIF($6, ''), error_type),
		    error_message = COALESCE(NULLIF($7, ''), error_message),
		    skip_reason = COALESCE(NULLIF($8, ''), skip_reason),
		    latency_ms = CASE WHEN $9 > 0 THEN $9 ELSE latency_ms END,
		    first_byte_time_ms = CASE WHEN $10 > 0 THEN $10 ELSE first_byte_time_ms END,
		    extra = COALESCE($11, extra),
		    finished_at = NOW()
		WHERE request_id = $1 AND candidate_index = $2 AND retry_index = $3`

	res, err := s.db.ExecContext(ctx, query,
		requestID, candidateIndex, retryIndex,
		string(upd.State), upd.StatusCode, upd.ErrorType, upd.ErrorMessage,
		upd.SkipReason, upd.LatencyMS, upd.FirstByteTimeMS, nullJSON(upd.Extra),
	)
	if err != nil {
		return fmt.Errorf("update candidate record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRequestNotFound
	}
	return nil
}

// ListCandidates returns all attempt rows for a request in dispatch order.
func (s *PostgresUsageStore) ListCandidates(ctx context.Context, requestID string) ([]*CandidateRecord, error) {
	query := `
		SELECT request_id, candidate_index, retry_index, provider_id,
		       provider_name, endpoint_id, key_id, state, status_code,
		       error_type, error_message, skip_reason, latency_ms,
		       first_byte_time_ms, extra, started_at, finished_at
		FROM usage_candidates
		WHERE request_id = $1
		ORDER BY candidate_index, retry_index`

	rows, err := s.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("query candidate records: %w", err)
	}
	defer rows.Close()

	var out []*CandidateRecord
	for rows.Next() {
		var rec CandidateRecord
		var state string
		var errorType, errorMessage, skipReason, extra sql.NullString
		var finishedAt sql.NullTime

		if err := rows.Scan(
			&rec.RequestID, &rec.CandidateIndex, &rec.RetryIndex,
			&rec.ProviderID, &rec.ProviderName, &rec.EndpointID, &rec.KeyID,
			&state, &rec.StatusCode, &errorType, &errorMessage, &skipReason,
			&rec.LatencyMS, &rec.FirstByteTimeMS, &extra,
			&rec.StartedAt, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan candidate record: %w", err)
		}

		rec.State = CandidateState(state)
		rec.ErrorType = errorType.String
		rec.ErrorMessage = errorMessage.String
		rec.SkipReason = skipReason.String
		if extra.Valid {
			rec.Extra = []byte(extra.String)
		}
		if finishedAt.Valid {
			rec.FinishedAt = finishedAt.Time
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// CleanupStalePending sweeps rows stuck in a non-terminal state.
func (s *PostgresUsageStore) CleanupStalePending(ctx context.Context, timeout time.Duration) (int, error) {
	query := `
		UPDATE usage_records
		SET status = 'failed', status_code = 504,
		    error_message = 'request timed out in pending state',
		    updated_at = NOW()
		WHERE status IN ('pending', 'streaming')
		  AND updated_at < NOW() - $1::interval`

	res, err := s.db.ExecContext(ctx, query, fmt.Sprintf("%d seconds", int(timeout.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("sweep stale usage records: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// classifyMiss distinguishes a missing row from a terminal one after a
// guarded UPDATE touched nothing.
func (s *PostgresUsageStore) classifyMiss(ctx context.Context, requestID string) error {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM usage_records WHERE request_id = $1`, requestID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrRequestNotFound
	}
	if err != nil {
		return fmt.Errorf("query usage status: %w", err)
	}
	if UsageStatus(status).IsTerminal() {
		return ErrTerminalState
	}
	return ErrRequestNotFound
}

// nullJSON converts empty raw JSON to a SQL NULL.
func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
