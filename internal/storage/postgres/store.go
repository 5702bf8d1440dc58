// Package postgres is the Store for shared deployments, backed by a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"rimborsi/internal/core"
	"rimborsi/internal/storage"
)

const expenseColumns = `e.id::text, e.amount_cents, e.category, e.description, e.date, e.status,
	COALESCE(e.receipt, ''), e.user_id::text, u.name, u.email, e.created_at, e.updated_at`

const expenseFrom = ` FROM expenses e JOIN users u ON u.id = e.user_id`

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New migrates the schema and opens a connection pool.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	if err := RunMigrations(databaseURL); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool, now: time.Now}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return storage.Unavailable("ping", s.pool.Ping(ctx))
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Truncate empties both tables. Used by tests sharing one database.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE expenses, users`)
	return err
}

func (s *Store) CreateUser(ctx context.Context, u core.User) (core.User, error) {
	u.Email = storage.NormalizeEmail(u.Email)
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := s.now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, password_hash, name, role, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Email, u.PasswordHash, u.Name, string(u.Role), now, now)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return core.User{}, fmt.Errorf("create user %s: %w", u.Email, core.ErrConflict)
	}
	if err != nil {
		return core.User{}, storage.Unavailable("create user", err)
	}

	slog.InfoContext(ctx, "User saved to Postgres", "id", u.ID, "role", u.Role)
	return u, nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (core.User, error) {
	return s.queryUser(ctx, "email", storage.NormalizeEmail(email))
}

func (s *Store) UserByID(ctx context.Context, id string) (core.User, error) {
	if uuid.Validate(id) != nil {
		return core.User{}, fmt.Errorf("user by id: %w", core.ErrNotFound)
	}
	return s.queryUser(ctx, "id", id)
}

func (s *Store) queryUser(ctx context.Context, column, value string) (core.User, error) {
	var (
		u    core.User
		role string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id::text, email, password_hash, name, role, created_at, updated_at FROM users WHERE `+column+` = $1`,
		value,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &role, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.User{}, fmt.Errorf("user by %s: %w", column, core.ErrNotFound)
	}
	if err != nil {
		return core.User{}, storage.Unavailable("get user", err)
	}
	u.Role = core.Role(role)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return u, nil
}

func (s *Store) CreateExpense(ctx context.Context, ownerID string, in core.ExpenseInput) (core.Expense, error) {
	if err := in.Validate(); err != nil {
		return core.Expense{}, fmt.Errorf("create expense: %w", err)
	}

	owner, err := s.UserByID(ctx, ownerID)
	if err != nil {
		return core.Expense{}, fmt.Errorf("create expense: owner: %w", err)
	}

	e := core.NewExpense(uuid.NewString(), owner.Ref(), in, s.now())
	_, err = s.pool.Exec(ctx,
		`INSERT INTO expenses (id, amount_cents, category, description, date, status, receipt, user_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10)`,
		e.ID, e.Amount.Cents, string(e.Category), e.Description, e.Date.Time, string(e.Status),
		e.Receipt, e.UserID, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return core.Expense{}, storage.Unavailable("create expense", err)
	}

	slog.InfoContext(ctx, "Expense saved to Postgres",
		"id", e.ID,
		"user_id", e.UserID,
		"amount_cents", e.Amount.Cents,
		"category", e.Category)

	return e, nil
}

func scanExpense(row pgx.Row) (core.Expense, error) {
	var (
		e                core.Expense
		category, status string
		date             time.Time
	)
	err := row.Scan(&e.ID, &e.Amount.Cents, &category, &e.Description, &date, &status,
		&e.Receipt, &e.UserID, &e.User.Name, &e.User.Email, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return core.Expense{}, err
	}
	e.Date = core.NewDate(date.Year(), int(date.Month()), date.Day())
	e.Category = core.Category(category)
	e.Status = core.Status(status)
	e.User.ID = e.UserID
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

func (s *Store) GetExpense(ctx context.Context, id string) (core.Expense, error) {
	if uuid.Validate(id) != nil {
		return core.Expense{}, fmt.Errorf("expense %s: %w", id, core.ErrNotFound)
	}
	e, err := scanExpense(s.pool.QueryRow(ctx, `SELECT `+expenseColumns+expenseFrom+` WHERE e.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Expense{}, fmt.Errorf("expense %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Expense{}, storage.Unavailable("get expense", err)
	}
	return e, nil
}

func (s *Store) ListExpenses(ctx context.Context, f core.Filter) ([]core.Expense, error) {
	where, args := storage.Postgres.WhereClause(f, 1)
	rows, err := s.pool.Query(ctx,
		`SELECT `+expenseColumns+expenseFrom+where+` ORDER BY e.date DESC, e.created_at DESC, e.id DESC`,
		args...)
	if err != nil {
		return nil, storage.Unavailable("list expenses", err)
	}
	defer rows.Close()

	out := make([]core.Expense, 0)
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, storage.Unavailable("scan expense", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Unavailable("list expenses", err)
	}
	return out, nil
}

func (s *Store) UpdateExpense(ctx context.Context, id string, in core.ExpenseInput) (core.Expense, error) {
	if err := in.Validate(); err != nil {
		return core.Expense{}, fmt.Errorf("update expense: %w", err)
	}
	if uuid.Validate(id) != nil {
		return core.Expense{}, fmt.Errorf("update expense %s: %w", id, core.ErrNotFound)
	}
	in.Normalize()

	tag, err := s.pool.Exec(ctx,
		`UPDATE expenses
		 SET amount_cents = $1, category = $2, description = $3, date = $4, receipt = NULLIF($5, ''), updated_at = $6
		 WHERE id = $7 AND status = $8`,
		in.Amount.Cents, string(in.Category), in.Description, in.Date.Time, in.Receipt,
		s.now().UTC(), id, string(core.StatusPending))
	if err != nil {
		return core.Expense{}, storage.Unavailable("update expense", err)
	}
	if err := s.checkAffected(ctx, tag, id); err != nil {
		return core.Expense{}, fmt.Errorf("update expense: %w", err)
	}
	return s.GetExpense(ctx, id)
}

func (s *Store) UpdateExpenseStatus(ctx context.Context, id string, from, to core.Status) (core.Expense, error) {
	if uuid.Validate(id) != nil {
		return core.Expense{}, fmt.Errorf("update expense status %s: %w", id, core.ErrNotFound)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE expenses SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), s.now().UTC(), id, string(from))
	if err != nil {
		return core.Expense{}, storage.Unavailable("update expense status", err)
	}
	if err := s.checkAffected(ctx, tag, id); err != nil {
		return core.Expense{}, fmt.Errorf("update expense status: %w", err)
	}

	slog.InfoContext(ctx, "Expense status updated in Postgres", "id", id, "from", from, "to", to)
	return s.GetExpense(ctx, id)
}

func (s *Store) checkAffected(ctx context.Context, tag pgconn.CommandTag, id string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM expenses WHERE id = $1`, id).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("expense %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return storage.Unavailable("check expense", err)
	}
	return fmt.Errorf("expense %s changed concurrently: %w", id, core.ErrConflict)
}

func (s *Store) AggregateExpenses(ctx context.Context, f core.Filter) (core.Analytics, error) {
	where, args := storage.Postgres.WhereClause(f, 1)
	var a core.Analytics

	// GROUPING SETS yields both breakdowns in one round trip; the grouping
	// flag tells which set a row belongs to.
	rows, err := s.pool.Query(ctx,
		`SELECT GROUPING(e.category), COALESCE(e.category, ''), COALESCE(e.status, ''),
		        SUM(e.amount_cents)::bigint, COUNT(*)::bigint
		 FROM expenses e`+where+`
		 GROUP BY GROUPING SETS ((e.category), (e.status))`,
		args...)
	if err != nil {
		return a, storage.Unavailable("aggregate expenses", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			categoryRolledUp int32
			category, status string
			sum, count       int64
		)
		if err := rows.Scan(&categoryRolledUp, &category, &status, &sum, &count); err != nil {
			return a, storage.Unavailable("scan aggregate", err)
		}
		if categoryRolledUp == 0 {
			a.ByCategory = append(a.ByCategory, core.CategoryTotal{
				Category: core.Category(category),
				Total:    core.Money{Cents: sum},
				Count:    int(count),
			})
			continue
		}
		a.ByStatus = append(a.ByStatus, core.StatusTotal{
			Status: core.Status(status),
			Total:  core.Money{Cents: sum},
			Count:  int(count),
		})
		a.Total = a.Total.Add(core.Money{Cents: sum})
		a.Count += int(count)
	}
	if err := rows.Err(); err != nil {
		return a, storage.Unavailable("aggregate expenses", err)
	}

	storage.SortAnalytics(&a)
	return a, nil
}

func (s *Store) CountExpensesByStatus(ctx context.Context, status core.Status) (int, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM expenses WHERE status = $1`, string(status)).Scan(&n)
	if err != nil {
		return 0, storage.Unavailable("count expenses", err)
	}
	return int(n), nil
}
