// Command eroosterctl administers the mailbox user database: registering
// users, changing passwords, and reporting server status.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"erooster.dev/internal/config"
	"erooster.dev/internal/db"
	"erooster.dev/internal/userdb"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	flagConfig := fs.String("config", "/etc/erooster/config.yaml", "path to the server config file")
	email := fs.String("email", "", "mailbox address")
	password := fs.String("password", "", "initial password (register)")
	current := fs.String("current_password", "", "current password (change-password)")
	newPassword := fs.String("new_password", "", "new password (change-password)")
	fs.Parse(args)

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "eroosterctl: %v\n", err)
		os.Exit(1)
	}
	ctx := context.Background()

	var runErr error
	switch cmd {
	case "status":
		runErr = runStatus(ctx, cfg)
	case "register":
		runErr = runRegister(ctx, cfg, *email, *password)
	case "change-password":
		runErr = runChangePassword(ctx, cfg, *email, *current, *newPassword)
	default:
		usage()
		os.Exit(2)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "eroosterctl: %v\n", runErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: eroosterctl <status|register|change-password> [--config path] [flags]")
}

func openStore(cfg *config.Config) (*userdb.Store, error) {
	pool, err := db.Open(cfg.Database.ConnString)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return userdb.New(pool), nil
}

func runStatus(ctx context.Context, cfg *config.Config) error {
	fmt.Printf("hostname: %s\n", cfg.Mail.Hostname)
	fmt.Printf("maildir root: %s\n", cfg.MaildirRoot)
	fmt.Printf("queue dir: %s\n", cfg.QueueDir)
	fmt.Printf("imap listen: %v\n", cfg.IMAP.ListenAddrs)
	fmt.Printf("smtp listen: %v\n", cfg.SMTP.ListenAddrs)
	fmt.Printf("smtp submission: %v\n", cfg.SMTP.SubmissionAddrs)

	n, err := db.CountMessages(ctx, cfg.MaildirRoot)
	if err != nil {
		return fmt.Errorf("status: counting stored messages: %w", err)
	}
	fmt.Printf("stored messages: %d\n", n)
	return nil
}

func runRegister(ctx context.Context, cfg *config.Config, email, password string) error {
	if email == "" || password == "" {
		return fmt.Errorf("register: --email and --password are required")
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	if err := store.Add(ctx, email); err != nil {
		return err
	}
	if err := store.SetPassword(ctx, email, password); err != nil {
		return err
	}
	fmt.Printf("registered %s\n", email)
	return nil
}

func runChangePassword(ctx context.Context, cfg *config.Config, email, current, newPassword string) error {
	if email == "" || current == "" || newPassword == "" {
		return fmt.Errorf("change-password: --email, --current_password, and --new_password are required")
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	if !store.Verify(ctx, email, current) {
		return fmt.Errorf("change-password: current password does not match")
	}
	if err := store.SetPassword(ctx, email, newPassword); err != nil {
		return err
	}
	fmt.Printf("password changed for %s\n", email)
	return nil
}
