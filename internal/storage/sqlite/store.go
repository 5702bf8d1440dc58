// Package sqlite is the embedded single-file Store backed by modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"rimborsi/internal/core"
	"rimborsi/internal/storage"
)

const expenseColumns = `e.id, e.amount_cents, e.category, e.description, e.date, e.status,
	COALESCE(e.receipt, ''), e.user_id, u.name, u.email, e.created_at, e.updated_at`

const expenseFrom = ` FROM expenses e JOIN users u ON u.id = e.user_id`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// DSN enables foreign keys and a busy timeout on every pooled connection.
func DSN(dbPath string) string {
	return "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := DSN(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One writer at a time; sqlite serialises writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return storage.Unavailable("ping", s.db.PingContext(ctx))
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var serr *moderncsqlite.Error
	return errors.As(err, &serr) &&
		(serr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || serr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY)
}

func (s *Store) CreateUser(ctx context.Context, u core.User) (core.User, error) {
	u.Email = storage.NormalizeEmail(u.Email)
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := s.now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, name, role, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, u.Name, string(u.Role), now.UnixNano(), now.UnixNano())
	if isUniqueViolation(err) {
		return core.User{}, fmt.Errorf("create user %s: %w", u.Email, core.ErrConflict)
	}
	if err != nil {
		return core.User{}, storage.Unavailable("create user", err)
	}

	slog.InfoContext(ctx, "User saved to SQLite", "id", u.ID, "role", u.Role)
	return u, nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (core.User, error) {
	return s.queryUser(ctx, "email", storage.NormalizeEmail(email))
}

func (s *Store) UserByID(ctx context.Context, id string) (core.User, error) {
	return s.queryUser(ctx, "id", id)
}

func (s *Store) queryUser(ctx context.Context, column, value string) (core.User, error) {
	var (
		u                    core.User
		role                 string
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, name, role, created_at, updated_at FROM users WHERE `+column+` = ?`,
		value,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &role, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.User{}, fmt.Errorf("user by %s: %w", column, core.ErrNotFound)
	}
	if err != nil {
		return core.User{}, storage.Unavailable("get user", err)
	}
	u.Role = core.Role(role)
	u.CreatedAt = time.Unix(0, createdAt).UTC()
	u.UpdatedAt = time.Unix(0, updatedAt).UTC()
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO expenses (id, amount_cents, category, description, date, status, receipt, user_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)`,
		e.ID, e.Amount.Cents, string(e.Category), e.Description, e.Date.String(), string(e.Status),
		e.Receipt, e.UserID, e.CreatedAt.UnixNano(), e.UpdatedAt.UnixNano())
	if err != nil {
		return core.Expense{}, storage.Unavailable("create expense", err)
	}

	slog.InfoContext(ctx, "Expense saved to SQLite",
		"id", e.ID,
		"user_id", e.UserID,
		"amount_cents", e.Amount.Cents,
		"category", e.Category)

	return e, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExpense(row scanner) (core.Expense, error) {
	var (
		e                    core.Expense
		category, status     string
		date                 string
		createdAt, updatedAt int64
	)
	err := row.Scan(&e.ID, &e.Amount.Cents, &category, &e.Description, &date, &status,
		&e.Receipt, &e.UserID, &e.User.Name, &e.User.Email, &createdAt, &updatedAt)
	if err != nil {
		return core.Expense{}, err
	}
	parsed, err := core.ParseDate(date)
	if err != nil {
		return core.Expense{}, fmt.Errorf("stored date %q: %w", date, err)
	}
	e.Date = parsed
	e.Category = core.Category(category)
	e.Status = core.Status(status)
	e.User.ID = e.UserID
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	e.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return e, nil
}

func (s *Store) GetExpense(ctx context.Context, id string) (core.Expense, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+expenseColumns+expenseFrom+` WHERE e.id = ?`, id)
	e, err := scanExpense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Expense{}, fmt.Errorf("expense %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Expense{}, storage.Unavailable("get expense", err)
	}
	return e, nil
}

func (s *Store) ListExpenses(ctx context.Context, f core.Filter) ([]core.Expense, error) {
	where, args := storage.SQLite.WhereClause(f, 1)
	rows, err := s.db.QueryContext(ctx,
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
	in.Normalize()

	res, err := s.db.ExecContext(ctx,
		`UPDATE expenses
		 SET amount_cents = ?, category = ?, description = ?, date = ?, receipt = NULLIF(?, ''), updated_at = ?
		 WHERE id = ? AND status = ?`,
		in.Amount.Cents, string(in.Category), in.Description, in.Date.String(), in.Receipt,
		s.now().UTC().UnixNano(), id, string(core.StatusPending))
	if err != nil {
		return core.Expense{}, storage.Unavailable("update expense", err)
	}
	if err := s.checkAffected(ctx, res, id); err != nil {
		return core.Expense{}, fmt.Errorf("update expense: %w", err)
	}
	return s.GetExpense(ctx, id)
}

func (s *Store) UpdateExpenseStatus(ctx context.Context, id string, from, to core.Status) (core.Expense, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE expenses SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), s.now().UTC().UnixNano(), id, string(from))
	if err != nil {
		return core.Expense{}, storage.Unavailable("update expense status", err)
	}
	if err := s.checkAffected(ctx, res, id); err != nil {
		return core.Expense{}, fmt.Errorf("update expense status: %w", err)
	}

	slog.InfoContext(ctx, "Expense status updated in SQLite", "id", id, "from", from, "to", to)
	return s.GetExpense(ctx, id)
}

// checkAffected tells a missing row apart from a lost conditional write.
func (s *Store) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Unavailable("rows affected", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM expenses WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("expense %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return storage.Unavailable("check expense", err)
	}
	return fmt.Errorf("expense %s changed concurrently: %w", id, core.ErrConflict)
}

func (s *Store) AggregateExpenses(ctx context.Context, f core.Filter) (core.Analytics, error) {
	where, args := storage.SQLite.WhereClause(f, 1)
	var a core.Analytics

	rows, err := s.db.QueryContext(ctx,
		`SELECT e.category, SUM(e.amount_cents), COUNT(*) FROM expenses e`+where+` GROUP BY e.category`, args...)
	if err != nil {
		return a, storage.Unavailable("aggregate by category", err)
	}
	for rows.Next() {
		var ct core.CategoryTotal
		var cat string
		if err := rows.Scan(&cat, &ct.Total.Cents, &ct.Count); err != nil {
			rows.Close()
			return a, storage.Unavailable("scan category sum", err)
		}
		ct.Category = core.Category(cat)
		a.ByCategory = append(a.ByCategory, ct)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return a, storage.Unavailable("aggregate by category", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT e.status, SUM(e.amount_cents), COUNT(*) FROM expenses e`+where+` GROUP BY e.status`, args...)
	if err != nil {
		return a, storage.Unavailable("aggregate by status", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st core.StatusTotal
		var status string
		if err := rows.Scan(&status, &st.Total.Cents, &st.Count); err != nil {
			return a, storage.Unavailable("scan status sum", err)
		}
		st.Status = core.Status(status)
		a.ByStatus = append(a.ByStatus, st)
		a.Total = a.Total.Add(st.Total)
		a.Count += st.Count
	}
	if err := rows.Err(); err != nil {
		return a, storage.Unavailable("aggregate by status", err)
	}

	storage.SortAnalytics(&a)
	return a, nil
}

func (s *Store) CountExpensesByStatus(ctx context.Context, status core.Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM expenses WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, storage.Unavailable("count expenses", err)
	}
	return n, nil
}
