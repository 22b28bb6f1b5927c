package postgres

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/reelforge/reelforge/internal/domain"
)

// TokenRepo persists upstream credentials and the rotation cursor.
type TokenRepo struct {
	Pool      PgxPool
	BatchSize int
}

// NewTokenRepo constructs a TokenRepo. batchSize is the number of dispenses
// one token serves before rotation.
func NewTokenRepo(p PgxPool, batchSize int) *TokenRepo {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &TokenRepo{Pool: p, BatchSize: batchSize}
}

const tokenColumns = `id, value, label, active, current_batch_count, total_generated, batch_started_at, last_used_at, created_at`

func scanToken(row pgx.Row) (domain.Token, error) {
	var t domain.Token
	err := row.Scan(&t.ID, &t.Value, &t.Label, &t.Active, &t.CurrentBatchCount,
		&t.TotalGenerated, &t.BatchStartedAt, &t.LastUsedAt, &t.CreatedAt)
	return t, err
}

// Create inserts a credential.
func (r *TokenRepo) Create(ctx domain.Context, value, label string) (domain.Token, error) {
	tracer := otel.Tracer("repo.tokens")
	ctx, span := tracer.Start(ctx, "tokens.Create")
	defer span.End()
	id := uuid.New().String()
	q := `INSERT INTO tokens (id, value, label) VALUES ($1,$2,$3) RETURNING ` + tokenColumns
	t, err := scanToken(r.Pool.QueryRow(ctx, q, id, value, label))
	if err != nil {
		return domain.Token{}, fmt.Errorf("op=token.create: %w", err)
	}
	return t, nil
}

// Delete removes a credential.
func (r *TokenRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.tokens")
	ctx, span := tracer.Start(ctx, "tokens.Delete")
	defer span.End()
	tag, err := execRetry(ctx, r.Pool, "token.delete", `DELETE FROM tokens WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=token.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=token.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// SetActive toggles a credential in or out of the rotation set.
func (r *TokenRepo) SetActive(ctx domain.Context, id string, active bool) error {
	tracer := otel.Tracer("repo.tokens")
	ctx, span := tracer.Start(ctx, "tokens.SetActive")
	defer span.End()
	tag, err := execRetry(ctx, r.Pool, "token.set_active", `UPDATE tokens SET active=$2 WHERE id=$1`, id, active)
	if err != nil {
		return fmt.Errorf("op=token.set_active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=token.set_active: %w", domain.ErrNotFound)
	}
	return nil
}

// List returns all credentials in creation order.
func (r *TokenRepo) List(ctx domain.Context) ([]domain.Token, error) {
	return r.list(ctx, `SELECT `+tokenColumns+` FROM tokens ORDER BY created_at`, "token.list")
}

// GetActive returns active credentials in creation order.
func (r *TokenRepo) GetActive(ctx domain.Context) ([]domain.Token, error) {
	return r.list(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE active ORDER BY created_at`, "token.get_active")
}

func (r *TokenRepo) list(ctx domain.Context, q, op string) ([]domain.Token, error) {
	tracer := otel.Tracer("repo.tokens")
	ctx, span := tracer.Start(ctx, op)
	defer span.End()
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	defer rows.Close()
	out := make([]domain.Token, 0, 8)
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("op=%s_scan: %w", op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=%s_rows: %w", op, err)
	}
	return out, nil
}

// ReplaceAll swaps the whole credential set in one transaction: job token
// references are nulled, old tokens deleted, new ones inserted with
// auto-labels. Duplicate values in the input are rejected.
func (r *TokenRepo) ReplaceAll(ctx domain.Context, rawTokens []string) ([]domain.Token, error) {
	tracer := otel.Tracer("repo.tokens")
	ctx, span := tracer.Start(ctx, "tokens.ReplaceAll")
	defer span.End()

	seen := make(map[string]bool, len(rawTokens))
	for _, v := range rawTokens {
		if seen[v] {
			return nil, fmt.Errorf("op=token.replace_all: duplicate token value: %w", domain.ErrConflict)
		}
		seen[v] = true
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=token.replace_all_begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `UPDATE videos SET token_used = NULL WHERE token_used IS NOT NULL`); err != nil {
		return nil, fmt.Errorf("op=token.replace_all_clear_refs: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM tokens`); err != nil {
		return nil, fmt.Errorf("op=token.replace_all_delete: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE token_settings SET last_used_token_index = 0`); err != nil {
		return nil, fmt.Errorf("op=token.replace_all_reset_cursor: %w", err)
	}

	out := make([]domain.Token, 0, len(rawTokens))
	for i, v := range rawTokens {
		id := uuid.New().String()
		label := fmt.Sprintf("Token %d", i+1)
		t, err := scanToken(tx.QueryRow(ctx,
			`INSERT INTO tokens (id, value, label) VALUES ($1,$2,$3) RETURNING `+tokenColumns, id, v, label))
		if err != nil {
			return nil, fmt.Errorf("op=token.replace_all_insert: %w", err)
		}
		out = append(out, t)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=token.replace_all_commit: %w", err)
	}
	return out, nil
}

// Settings loads the singleton rotation settings row.
func (r *TokenRepo) Settings(ctx domain.Context) (domain.TokenSettings, error) {
	tracer := otel.Tracer("repo.tokens")
	ctx, span := tracer.Start(ctx, "tokens.Settings")
	defer span.End()
	var s domain.TokenSettings
	q := `SELECT last_used_token_index, videos_per_batch, batch_delay_seconds FROM token_settings`
	if err := r.Pool.QueryRow(ctx, q).Scan(&s.LastUsedTokenIndex, &s.VideosPerBatch, &s.BatchDelaySeconds); err != nil {
		return domain.TokenSettings{}, fmt.Errorf("op=token.settings: %w", err)
	}
	return s, nil
}

// UpdateSettings persists the singleton rotation settings row.
func (r *TokenRepo) UpdateSettings(ctx domain.Context, s domain.TokenSettings) error {
	tracer := otel.Tracer("repo.tokens")
	ctx, span := tracer.Start(ctx, "tokens.UpdateSettings")
	defer span.End()
	q := `UPDATE token_settings SET last_used_token_index=$1, videos_per_batch=$2, batch_delay_seconds=$3`
	if _, err := execRetry(ctx, r.Pool, "token.update_settings", q, s.LastUsedTokenIndex, s.VideosPerBatch, s.BatchDelaySeconds); err != nil {
		return fmt.Errorf("op=token.update_settings: %w", err)
	}
	return nil
}

// TouchLastUsed bumps last_used_at, used by the LRU rotation dispenser.
func (r *TokenRepo) TouchLastUsed(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.tokens")
	ctx, span := tracer.Start(ctx, "tokens.TouchLastUsed")
	defer span.End()
	if _, err := execRetry(ctx, r.Pool, "token.touch_last_used", `UPDATE tokens SET last_used_at = now() WHERE id=$1`, id); err != nil {
		return fmt.Errorf("op=token.touch_last_used: %w", err)
	}
	return nil
}

// DispenseBatch runs the batch-rotation dispense inside one transaction.
// excluded carries the ids currently in cooldown; they never reach the
// cursor arithmetic. Concurrent dispensers serialize on the FOR UPDATE row
// lock of the current token. The lock is released at commit, before the
// caller performs any upstream HTTP call.
func (r *TokenRepo) DispenseBatch(ctx domain.Context, excluded []string) (domain.Token, error) {
	tracer := otel.Tracer("repo.tokens")
	ctx, span := tracer.Start(ctx, "tokens.DispenseBatch")
	defer span.End()

	skip := make(map[string]bool, len(excluded))
	for _, id := range excluded {
		skip[id] = true
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Token{}, fmt.Errorf("op=token.dispense_begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cursor int
	if err := tx.QueryRow(ctx, `SELECT last_used_token_index FROM token_settings`).Scan(&cursor); err != nil {
		return domain.Token{}, fmt.Errorf("op=token.dispense_settings: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT id FROM tokens WHERE active ORDER BY created_at`)
	if err != nil {
		return domain.Token{}, fmt.Errorf("op=token.dispense_list: %w", err)
	}
	var available []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return domain.Token{}, fmt.Errorf("op=token.dispense_list_scan: %w", err)
		}
		if !skip[id] {
			available = append(available, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.Token{}, fmt.Errorf("op=token.dispense_list_rows: %w", err)
	}
	if len(available) == 0 {
		return domain.Token{}, fmt.Errorf("op=token.dispense: %w", domain.ErrNoTokensAvailable)
	}

	// The cursor may exceed the available set when tokens were removed or
	// cooled down since the last dispense; modulo-wrap is acceptable.
	i := ((cursor % len(available)) + len(available)) % len(available)
	cur, err := r.lockToken(ctx, tx, available[i])
	if err != nil {
		return domain.Token{}, err
	}

	if cur.CurrentBatchCount >= r.BatchSize {
		// Batch boundary: close out the finished token, advance the cursor,
		// and dispense from the next available token.
		if _, err := tx.Exec(ctx,
			`UPDATE tokens SET current_batch_count = 0, batch_started_at = NULL WHERE id=$1`, cur.ID); err != nil {
			return domain.Token{}, fmt.Errorf("op=token.dispense_rollover: %w", err)
		}
		i = (cursor + 1) % len(available)
		cur, err = r.lockToken(ctx, tx, available[i])
		if err != nil {
			return domain.Token{}, err
		}
		if _, err := tx.Exec(ctx, `UPDATE token_settings SET last_used_token_index=$1`, i); err != nil {
			return domain.Token{}, fmt.Errorf("op=token.dispense_cursor: %w", err)
		}
	}

	t, err := scanToken(tx.QueryRow(ctx, `
		UPDATE tokens
		SET current_batch_count = current_batch_count + 1,
		    total_generated = total_generated + 1,
		    batch_started_at = COALESCE(batch_started_at, now()),
		    last_used_at = now()
		WHERE id=$1
		RETURNING `+tokenColumns, cur.ID))
	if err != nil {
		return domain.Token{}, fmt.Errorf("op=token.dispense_increment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Token{}, fmt.Errorf("op=token.dispense_commit: %w", err)
	}
	return t, nil
}

func (r *TokenRepo) lockToken(ctx domain.Context, tx pgx.Tx, id string) (domain.Token, error) {
	t, err := scanToken(tx.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return domain.Token{}, fmt.Errorf("op=token.dispense_lock: %w", err)
	}
	return t, nil
}
