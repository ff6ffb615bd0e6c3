// Command expensectl records expenses offline and keeps them in sync with
// the expense API.
//
// Usage:
//
//	expensectl <command> [flags]
//
// Commands: login, register, logout, add, edit, rm, list, sync, status, stats.
// Settings come from config.yaml / environment (see internal/config).
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"expense-sync/internal/app"
	"expense-sync/internal/config"
	"expense-sync/internal/models"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"golang.org/x/term"
)

const dateLayout = "2006-01-02"

// syncTimeout bounds the sync attempt after a mutating command.
const syncTimeout = 15 * time.Second

func main() {
	// Load .env if present; real environment variables take precedence.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type command struct {
	name    string
	summary string
	run     func(c *cli, args []string) error
}

var commands = []command{
	{"login", "log in and start syncing", (*cli).login},
	{"register", "create an account and log in", (*cli).register},
	{"logout", "log out, keeping local records", (*cli).logout},
	{"add", "record an expense", (*cli).add},
	{"edit", "change an expense", (*cli).edit},
	{"rm", "delete expenses", (*cli).rm},
	{"list", "list expenses", (*cli).list},
	{"sync", "sync now", (*cli).sync},
	{"status", "show session and sync state", (*cli).status},
	{"stats", "show a month's spending", (*cli).stats},
}

type cli struct {
	ctx    context.Context
	app    *app.App
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(stdout)
		if len(args) == 0 {
			return errors.New("missing command")
		}
		return flag.ErrHelp
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == args[0] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		usage(stdout)
		return fmt.Errorf("unknown command %q", args[0])
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg.Log)

	var (
		mu      sync.Mutex
		notices []app.Notice
	)
	a, err := app.New(cfg, logger, app.WithNotifier(func(n app.Notice) {
		mu.Lock()
		defer mu.Unlock()
		notices = append(notices, n)
	}))
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Start(ctx); err != nil {
		return err
	}

	c := &cli{ctx: ctx, app: a, stdin: stdin, stdout: stdout, stderr: stderr}
	err = cmd.run(c, args[1:])
	mu.Lock()
	defer mu.Unlock()
	for _, n := range notices {
		if n.LocalID != "" {
			fmt.Fprintf(stderr, "warning: %s: %s\n", n.LocalID, n.Message)
		} else {
			fmt.Fprintf(stderr, "warning: %s\n", n.Message)
		}
	}
	if err == nil {
		err = a.Touch()
	}
	return err
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: expensectl <command> [flags]")
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(tw, "  %s\t%s\n", c.name, c.summary)
	}
	tw.Flush()
}

func (c *cli) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func (c *cli) login(args []string) error {
	fs := c.flags("login")
	email := fs.String("email", "", "Email address")
	passwordFlag := fs.String("password", "", "Password (optional, will prompt if omitted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		return fmt.Errorf("missing required flags: email")
	}
	password, err := c.password(*passwordFlag)
	if err != nil {
		return err
	}

	s, err := c.app.Login(c.ctx, *email, password)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Logged in as %s\n", s.DisplayName)
	c.syncQuietly()
	return nil
}

func (c *cli) register(args []string) error {
	fs := c.flags("register")
	name := fs.String("name", "", "Display name")
	email := fs.String("email", "", "Email address")
	passwordFlag := fs.String("password", "", "Password (optional, will prompt if omitted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		return fmt.Errorf("missing required flags: email")
	}
	password, err := c.password(*passwordFlag)
	if err != nil {
		return err
	}

	s, err := c.app.Register(c.ctx, *name, *email, password)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Registered and logged in as %s\n", s.DisplayName)
	c.syncQuietly()
	return nil
}

func (c *cli) logout(args []string) error {
	if err := c.flags("logout").Parse(args); err != nil {
		return err
	}
	if !c.app.Session().Active {
		fmt.Fprintln(c.stdout, "Not logged in")
		return nil
	}
	if err := c.app.Logout(c.ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, "Logged out. Local records are kept.")
	return nil
}

type recordFlags struct {
	desc     *string
	amount   *string
	date     *string
	category *string
}

func bindRecordFlags(fs *flag.FlagSet, defaultDate string) recordFlags {
	return recordFlags{
		desc:     fs.String("desc", "", "Description"),
		amount:   fs.String("amount", "", "Amount, e.g. 12.50"),
		date:     fs.String("date", defaultDate, "Date (YYYY-MM-DD)"),
		category: fs.String("category", "", "Category id (\"none\" clears it)"),
	}
}

// apply copies every flag that was set onto rec.
func (f recordFlags) apply(fs *flag.FlagSet, rec *models.ExpenseRecord) error {
	set := map[string]bool{}
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	if set["desc"] || rec.Description == "" {
		rec.Description = *f.desc
	}
	if set["amount"] || rec.Amount.IsZero() && *f.amount != "" {
		amount, err := decimal.NewFromString(*f.amount)
		if err != nil {
			return fmt.Errorf("invalid amount %q", *f.amount)
		}
		rec.Amount = amount
	}
	if set["date"] || rec.Date.IsZero() {
		date, err := time.Parse(dateLayout, *f.date)
		if err != nil {
			return fmt.Errorf("invalid date %q, want YYYY-MM-DD", *f.date)
		}
		rec.Date = date
	}
	if set["category"] {
		if *f.category == "none" || *f.category == "" {
			rec.CategoryID = nil
		} else {
			id, err := strconv.ParseInt(*f.category, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid category %q", *f.category)
			}
			rec.CategoryID = &id
		}
	}
	return nil
}

func (c *cli) add(args []string) error {
	fs := c.flags("add")
	rf := bindRecordFlags(fs, time.Now().Format(dateLayout))
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *rf.amount == "" {
		return fmt.Errorf("missing required flags: amount")
	}

	var rec models.ExpenseRecord
	if err := rf.apply(fs, &rec); err != nil {
		return err
	}
	got, err := c.app.Repository().Add(rec)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Added %s\n", got.LocalID)
	c.syncQuietly()
	return nil
}

func (c *cli) edit(args []string) error {
	fs := c.flags("edit")
	rf := bindRecordFlags(fs, "")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: expensectl edit [flags] <id>")
	}

	rec, err := c.app.Repository().Get(fs.Arg(0))
	if err != nil {
		return err
	}
	if err := rf.apply(fs, rec); err != nil {
		return err
	}
	if _, err := c.app.Repository().Update(*rec); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Updated %s\n", rec.LocalID)
	c.syncQuietly()
	return nil
}

func (c *cli) rm(args []string) error {
	fs := c.flags("rm")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: expensectl rm <id>...")
	}
	if err := c.app.Repository().DeleteMany(fs.Args()); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Deleted %d\n", fs.NArg())
	c.syncQuietly()
	return nil
}

func (c *cli) list(args []string) error {
	fs := c.flags("list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	records, err := c.app.Repository().List(c.app.BrowsingOwner())
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(c.stdout, "No expenses")
		return nil
	}

	tw := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATE\tAMOUNT\tDESCRIPTION\tSTATUS")
	total := decimal.Zero
	for _, r := range records {
		status := string(r.SyncStatus)
		if r.SyncStatus == models.StatusFailed && r.LastError != "" {
			status += " (" + r.LastError + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.LocalID, r.Date.Format(dateLayout), r.Amount.StringFixed(2), r.Description, status)
		total = total.Add(r.Amount)
	}
	fmt.Fprintf(tw, "\t\t%s\tTOTAL\t\n", total.StringFixed(2))
	return tw.Flush()
}

func (c *cli) sync(args []string) error {
	if err := c.flags("sync").Parse(args); err != nil {
		return err
	}
	report, err := c.app.SyncNow(c.ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "created %d, updated %d, deleted %d, failed %d, deferred %d\n",
		report.Created, report.Updated, report.Deleted, report.Failed, report.Deferred)
	if report.Aborted != nil {
		fmt.Fprintf(c.stdout, "sync stopped early: %v\n", report.Aborted)
	}
	return nil
}

func (c *cli) status(args []string) error {
	if err := c.flags("status").Parse(args); err != nil {
		return err
	}
	st, err := c.app.Status()
	if err != nil {
		return err
	}

	switch {
	case st.Session.Active:
		fmt.Fprintf(c.stdout, "Logged in as %s\n", st.Session.DisplayName)
	case c.app.SessionExpired():
		fmt.Fprintln(c.stdout, app.ErrSessionExpired.Error())
	case st.Session.DisplayName != "":
		fmt.Fprintf(c.stdout, "Logged out (last user %s)\n", st.Session.DisplayName)
	default:
		fmt.Fprintln(c.stdout, "Not logged in")
	}
	fmt.Fprintf(c.stdout, "Token: %s\n", st.TokenState)
	fmt.Fprintf(c.stdout, "Pending: %d  Synced: %d  Failed: %d\n",
		st.Counts[models.StatusPending], st.Counts[models.StatusSynced], st.Counts[models.StatusFailed])
	return nil
}

func (c *cli) stats(args []string) error {
	fs := c.flags("stats")
	now := time.Now()
	year := fs.Int("year", now.Year(), "Year")
	month := fs.Int("month", int(now.Month()), "Month (1-12)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *month < 1 || *month > 12 {
		return fmt.Errorf("invalid month %d", *month)
	}

	st, err := c.app.Stats(c.ctx, *year, *month)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "%s %d: %s\n", time.Month(st.Month), st.Year, st.Total.StringFixed(2))
	tw := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	for _, cat := range st.Categories {
		name := "uncategorised"
		if cat.CategoryID != nil {
			name = "category " + strconv.FormatInt(*cat.CategoryID, 10)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s%%\t%d\n", name, cat.Total.StringFixed(2), cat.Percentage.StringFixed(1), cat.Count)
	}
	return tw.Flush()
}

// syncQuietly pushes local changes when logged in. Being offline is not an
// error; the change stays pending for the next run.
func (c *cli) syncQuietly() {
	if !c.app.Session().Active {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, syncTimeout)
	defer cancel()
	report, err := c.app.SyncNow(ctx)
	switch {
	case err != nil:
		fmt.Fprintf(c.stderr, "warning: %v\n", err)
	case report.Aborted != nil:
		fmt.Fprintln(c.stderr, "offline: changes will sync later")
	}
}

func (c *cli) password(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	fmt.Fprint(c.stdout, "Password: ")
	password, err := readPassword(c.stdin)
	fmt.Fprintln(c.stdout)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if strings.TrimSpace(password) == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	return password, nil
}

func readPassword(stdin io.Reader) (string, error) {
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		bytePassword, err := term.ReadPassword(int(f.Fd()))
		if err != nil {
			return "", err
		}
		return string(bytePassword), nil
	}

	// Fallback for non-terminal (e.g. tests, pipes)
	scanner := bufio.NewScanner(stdin)
	if scanner.Scan() {
		return scanner.Text(), nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
