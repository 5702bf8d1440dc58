// Command rimborsi-watch logs in to a rimborsi server and keeps a live
// dashboard of expenses and totals in the terminal log.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"rimborsi/internal/cli"
	"rimborsi/internal/core"
	"rimborsi/internal/dashboard"
	"rimborsi/internal/log"
)

const reconnectDelay = 5 * time.Second

type options struct {
	server   string
	email    string
	logLevel string
	filter   core.Filter
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	cli.LoadEnvFile()
	logger := cli.SetupLogger(opts.logLevel).WithComponent(log.ComponentWatch)

	password := os.Getenv("RIMBORSI_PASSWORD")
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		password, err = readPassword(os.Stdin)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			cli.Fatal(logger, "Failed to read password", err)
		}
	}

	ctx, stop := cli.SignalContext(logger)
	defer stop()

	client, err := dashboard.NewClient(opts.server, nil)
	if err != nil {
		cli.Fatal(logger, "Invalid server URL", err)
	}
	user, err := client.Login(ctx, opts.email, password)
	if err != nil {
		cli.Fatal(logger, "Login failed", err, "email", opts.email)
	}
	logger.Info("Logged in", log.FieldUserID, user.ID, log.FieldRole, string(user.Role))

	st := dashboard.NewStore()
	st.OnChange(func(s dashboard.State) { report(logger, s) })

	for {
		err := dashboard.Watch(ctx, client, st, opts.filter, logger)
		if ctx.Err() != nil {
			return
		}
		if dashboard.IsAuthError(err) {
			cli.Fatal(logger, "Session no longer valid", err)
		}
		if err == nil {
			err = errors.New("connection closed by server")
		}
		logger.Warn("Push channel lost, reconnecting", log.FieldError, err.Error(), "delay", reconnectDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := pflag.NewFlagSet("rimborsi-watch", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts options
	var category, status, from, to string
	fs.StringVar(&opts.server, "server", "http://localhost:5000", "Server base URL")
	fs.StringVar(&opts.email, "email", "", "Login email")
	fs.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	fs.StringVar(&category, "category", "", "Only list this category")
	fs.StringVar(&status, "status", "", "Only list this status")
	fs.StringVar(&from, "from", "", "First day, YYYY-MM-DD")
	fs.StringVar(&to, "to", "", "Last day, YYYY-MM-DD")
	fs.StringVar(&opts.filter.OwnerID, "user", "", "Only this submitter (admins)")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.email == "" {
		return options{}, errors.New("--email is required")
	}

	var err error
	if category != "" {
		if opts.filter.Category, err = core.ParseCategory(category); err != nil {
			return options{}, err
		}
	}
	if status != "" {
		if opts.filter.Status, err = core.ParseStatus(status); err != nil {
			return options{}, err
		}
	}
	if from != "" {
		if opts.filter.From, err = core.ParseDate(from); err != nil {
			return options{}, fmt.Errorf("--from: %w", err)
		}
	}
	if to != "" {
		if opts.filter.To, err = core.ParseDate(to); err != nil {
			return options{}, fmt.Errorf("--to: %w", err)
		}
	}
	if err := opts.filter.Validate(); err != nil {
		return options{}, err
	}
	return opts, nil
}

func report(logger *log.Logger, s dashboard.State) {
	if s.Error != "" {
		logger.Warn("Dashboard error", log.FieldError, s.Error)
		return
	}
	args := []any{"expenses", len(s.Expenses), "pending", len(s.Pending())}
	if s.Analytics != nil && !s.AnalyticsStale {
		args = append(args, "total", s.Analytics.Total.String(), "count", s.Analytics.Count)
	}
	if len(s.Expenses) > 0 {
		latest := s.Expenses[0]
		args = append(args,
			"latest", latest.ID,
			log.FieldStatus, string(latest.Status),
			"amount", latest.Amount.String())
	}
	logger.Info("Dashboard updated", args...)
}

func readPassword(stdin io.Reader) (string, error) {
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	scanner := bufio.NewScanner(stdin)
	if scanner.Scan() {
		return scanner.Text(), nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
