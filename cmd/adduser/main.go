// Command adduser creates an account directly in the server database.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"expense-sync/internal/auth"
	"expense-sync/internal/backend"
	"expense-sync/internal/models"

	"golang.org/x/term"
)

const defaultDBPath = "server.db"

type options struct {
	email    string
	name     string
	password string
	dbPath   string
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	opts, err := parseOptions(args, stdout, stderr)
	if err != nil {
		return err
	}

	if opts.password == "" {
		fmt.Fprint(stdout, "Password: ")
		if opts.password, err = readPassword(stdin); err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(stdout)
	}
	if strings.TrimSpace(opts.password) == "" {
		return errors.New("password cannot be empty")
	}
	if len(opts.password) < backend.MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", backend.MinPasswordLength)
	}

	db, err := backend.NewDB(opts.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	user, err := createUser(db, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "User %s created successfully with ID %d\n", user.Email, user.ID)
	return nil
}

func parseOptions(args []string, stdout, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("adduser", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.email, "email", "", "Email address used to log in")
	fs.StringVar(&opts.name, "name", "", "Display name (defaults to the part of the email before @)")
	fs.StringVar(&opts.password, "password", "", "Password (prompted for when omitted)")
	fs.StringVar(&opts.dbPath, "db", defaultDBPath, "Path to the server database file")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	if opts.email == "" {
		fmt.Fprintln(stdout, "Usage: adduser -email <email> [-name <name>] [-password <password>] [-db <db_path>]")
		fs.PrintDefaults()
		return opts, errors.New("missing required flags: email")
	}
	if !strings.Contains(opts.email, "@") {
		return opts, fmt.Errorf("invalid email %q", opts.email)
	}
	if opts.name == "" {
		opts.name, _, _ = strings.Cut(opts.email, "@")
	}
	// DB_PATH only applies when -db was left at its default.
	if env := os.Getenv("DB_PATH"); env != "" && opts.dbPath == defaultDBPath {
		opts.dbPath = env
	}
	return opts, nil
}

func createUser(db *backend.DB, opts options) (*models.User, error) {
	if _, err := db.GetUserByEmail(opts.email); err == nil {
		return nil, fmt.Errorf("user %s already exists", opts.email)
	}
	hash, err := auth.HashPassword(opts.password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	user, err := db.CreateUser(opts.name, opts.email, hash)
	if errors.Is(err, backend.ErrDuplicate) {
		return nil, fmt.Errorf("user %s already exists", opts.email)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// readPassword reads without echo on a terminal and a single line otherwise.
func readPassword(stdin io.Reader) (string, error) {
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		return string(b), err
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
