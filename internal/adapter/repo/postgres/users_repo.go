package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/reelforge/reelforge/internal/domain"
)

// UserRepo persists and loads users from PostgreSQL.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

const userColumns = `id, email, password_hash, role, plan, plan_started_at, plan_expires_at, daily_count, last_count_reset, created_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.Plan,
		&u.PlanStartedAt, &u.PlanExpiresAt, &u.DailyCount, &u.LastCountReset, &u.CreatedAt)
	return u, err
}

// Get loads a user by id.
func (r *UserRepo) Get(ctx domain.Context, id string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Get")
	defer span.End()
	q := `SELECT ` + userColumns + ` FROM users WHERE id=$1`
	u, err := scanUser(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.User{}, fmt.Errorf("op=user.get: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.get: %w", err)
	}
	return u, nil
}

// Create inserts a new user and returns its id.
func (r *UserRepo) Create(ctx domain.Context, u domain.User) (string, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Create")
	defer span.End()
	id := u.ID
	if id == "" {
		id = uuid.New().String()
	}
	role := u.Role
	if role == "" {
		role = domain.RoleUser
	}
	plan := u.Plan
	if plan == "" {
		plan = domain.TierFree
	}
	q := `INSERT INTO users (id, email, password_hash, role, plan, plan_started_at, plan_expires_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := execRetry(ctx, r.Pool, "user.create", q, id, u.Email, u.PasswordHash, role, plan, u.PlanStartedAt, u.PlanExpiresAt); err != nil {
		return "", fmt.Errorf("op=user.create: %w", err)
	}
	return id, nil
}

// UpdatePlan switches a user's tier and validity window.
func (r *UserRepo) UpdatePlan(ctx domain.Context, id string, tier domain.PlanTier, startedAt, expiresAt *time.Time) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.UpdatePlan")
	defer span.End()
	q := `UPDATE users SET plan=$2, plan_started_at=$3, plan_expires_at=$4 WHERE id=$1`
	tag, err := execRetry(ctx, r.Pool, "user.update_plan", q, id, tier, startedAt, expiresAt)
	if err != nil {
		return fmt.Errorf("op=user.update_plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=user.update_plan: %w", domain.ErrNotFound)
	}
	return nil
}

// IncrementDailyCount adds n to the daily counter with a SQL increment so
// concurrent submitters never lose updates.
func (r *UserRepo) IncrementDailyCount(ctx domain.Context, id string, n int) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.IncrementDailyCount")
	defer span.End()
	q := `UPDATE users SET daily_count = daily_count + $2 WHERE id=$1`
	tag, err := execRetry(ctx, r.Pool, "user.increment_daily", q, id, n)
	if err != nil {
		return fmt.Errorf("op=user.increment_daily: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=user.increment_daily: %w", domain.ErrNotFound)
	}
	return nil
}

// ResetExpiredDailyCounts zeroes counters whose last reset predates today and
// returns how many rows were touched.
func (r *UserRepo) ResetExpiredDailyCounts(ctx domain.Context, today time.Time) (int64, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.ResetExpiredDailyCounts")
	defer span.End()
	q := `UPDATE users SET daily_count = 0, last_count_reset = $1 WHERE last_count_reset < $1`
	tag, err := execRetry(ctx, r.Pool, "user.reset_daily", q, today.Format("2006-01-02"))
	if err != nil {
		return 0, fmt.Errorf("op=user.reset_daily: %w", err)
	}
	return tag.RowsAffected(), nil
}
