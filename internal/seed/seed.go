// Package seed loads a small demo data set: one admin, two employees and a
// handful of expenses in every status.
package seed

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"rimborsi/internal/core"
	"rimborsi/internal/log"
	"rimborsi/internal/storage"
)

// DemoPassword is shared by every demo account.
const DemoPassword = "password123"

type demoUser struct {
	email string
	name  string
	role  core.Role
}

type demoExpense struct {
	owner       string
	cents       int64
	category    core.Category
	description string
	date        core.Date
	status      core.Status
}

var users = []demoUser{
	{"admin@company.com", "Admin User", core.RoleAdmin},
	{"john@company.com", "John Doe", core.RoleEmployee},
	{"jane@company.com", "Jane Smith", core.RoleEmployee},
}

var expenses = []demoExpense{
	{"john@company.com", 25050, core.CategoryTravel, "Taxi to client meeting", core.NewDate(2024, 1, 15), core.StatusApproved},
	{"john@company.com", 4500, core.CategoryFood, "Team lunch", core.NewDate(2024, 1, 20), core.StatusApproved},
	{"john@company.com", 12000, core.CategorySoftware, "Software license renewal", core.NewDate(2024, 2, 1), core.StatusPending},
	{"jane@company.com", 50000, core.CategoryEquipment, "New keyboard and mouse", core.NewDate(2024, 1, 10), core.StatusApproved},
	{"jane@company.com", 7550, core.CategoryOfficeSupplies, "Notebooks and pens", core.NewDate(2024, 1, 25), core.StatusPending},
	{"jane@company.com", 30000, core.CategoryTraining, "Online course subscription", core.NewDate(2024, 2, 5), core.StatusRejected},
	{"admin@company.com", 120000, core.CategoryTravel, "Flight to conference", core.NewDate(2024, 1, 5), core.StatusApproved},
	{"admin@company.com", 8500, core.CategoryEntertainment, "Client dinner", core.NewDate(2024, 1, 18), core.StatusApproved},
}

// Result counts what Run created.
type Result struct {
	Users    int
	Expenses int
}

// Run inserts the demo data unless the demo admin already exists, so it is
// safe to call on every start.
func Run(ctx context.Context, store storage.Store, cost int, logger *log.Logger) (Result, error) {
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentSeed)

	if _, err := store.UserByEmail(ctx, users[0].email); err == nil {
		logger.InfoContext(ctx, "Demo data already present, skipping")
		return Result{}, nil
	} else if !errors.Is(err, core.ErrNotFound) {
		return Result{}, fmt.Errorf("check demo data: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(DemoPassword), cost)
	if err != nil {
		return Result{}, fmt.Errorf("hash demo password: %w", err)
	}

	var res Result
	ids := make(map[string]string, len(users))
	for _, u := range users {
		created, err := store.CreateUser(ctx, core.User{
			Email:        u.email,
			Name:         u.name,
			Role:         u.role,
			PasswordHash: string(hash),
		})
		if err != nil {
			return res, fmt.Errorf("create demo user %s: %w", u.email, err)
		}
		ids[u.email] = created.ID
		res.Users++
	}

	for _, d := range expenses {
		e, err := store.CreateExpense(ctx, ids[d.owner], core.ExpenseInput{
			Amount:      core.Money{Cents: d.cents},
			Category:    d.category,
			Description: d.description,
			Date:        d.date,
		})
		if err != nil {
			return res, fmt.Errorf("create demo expense %q: %w", d.description, err)
		}
		if d.status != core.StatusPending {
			if _, err := store.UpdateExpenseStatus(ctx, e.ID, core.StatusPending, d.status); err != nil {
				return res, fmt.Errorf("decide demo expense %q: %w", d.description, err)
			}
		}
		res.Expenses++
	}

	logger.InfoContext(ctx, "Demo data loaded", "users", res.Users, "expenses", res.Expenses)
	return res, nil
}
