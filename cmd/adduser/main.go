// Command adduser creates an account directly in the configured store, so the
// first administrator can be provisioned before anyone can log in.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"rimborsi/internal/auth"
	"rimborsi/internal/backend"
	"rimborsi/internal/cli"
	"rimborsi/internal/config"
	"rimborsi/internal/core"
	"rimborsi/internal/log"
	"rimborsi/internal/storage"
)

// operator is the creator recorded for accounts made from the command line.
var operator = &core.Identity{UserID: "adduser", Email: "adduser@localhost", Role: core.RoleAdmin}

type openFunc func(ctx context.Context) (storage.Store, *config.Config, func() error, error)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr, openConfigured); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, open openFunc) error {
	fs := pflag.NewFlagSet("adduser", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	email := fs.String("email", "", "Account email")
	name := fs.String("name", "", "Display name")
	role := fs.String("role", string(core.RoleEmployee), "EMPLOYEE or ADMIN")
	passwordFlag := fs.String("password", "", "Password (prompted when omitted)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *name == "" {
		fmt.Fprintln(stdout, "Usage: adduser --email <email> --name <name> [--role ADMIN] [--password <password>]")
		fs.PrintDefaults()
		return errors.New("missing required flags: email, name")
	}

	r, err := core.ParseRole(strings.ToUpper(*role))
	if err != nil {
		return err
	}

	password := *passwordFlag
	if password == "" {
		fmt.Fprint(stdout, "Password: ")
		password, err = readPassword(stdin)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		fmt.Fprintln(stdout)
	}

	store, cfg, closeStore, err := open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	svc, err := auth.NewService(store, auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL), cfg.BcryptCost, nil)
	if err != nil {
		return err
	}
	_, u, err := svc.Register(ctx, auth.RegisterInput{
		Email:    *email,
		Password: password,
		Name:     *name,
		Role:     r,
	}, operator)
	if err != nil {
		var ve *core.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("invalid %s: %s", ve.Field, ve.Message)
		}
		if errors.Is(err, core.ErrConflict) {
			return fmt.Errorf("user %s already exists", *email)
		}
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Fprintf(stdout, "User %s created with role %s and ID %s\n", u.Email, u.Role, u.ID)
	return nil
}

// openConfigured opens the backend named by the environment. The memory
// backend is refused since the account would vanish on exit.
func openConfigured(ctx context.Context) (storage.Store, *config.Config, func() error, error) {
	cli.LoadEnvFile()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}
	if cfg.DataBackend == config.BackendMemory {
		return nil, nil, nil, errors.New("DATA_BACKEND=memory does not persist accounts; use sqlite or postgres")
	}

	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	// The integration stream is irrelevant here.
	bcfg.AMQPURL = ""

	logger := cli.SetupLogger(cfg.LogLevel).WithComponent(log.ComponentBackend)
	res, err := backend.NewFactory(logger).CreateBackend(ctx, bcfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open backend: %w", err)
	}
	return res.Store, cfg, res.Cleanup, nil
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
