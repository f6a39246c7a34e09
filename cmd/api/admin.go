package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nyashahama/early-warning-analyst-backend/internal/auth"
	"github.com/nyashahama/early-warning-analyst-backend/internal/config"
)

// runAdmin handles the maintenance subcommands:
//
//	api hash-password                    read a password on stdin, print its hash
//	api issue-token [-subject] [-ttl]    print an admin token for DELETE requests
//
// hash-password output goes into DELETE_PASSWORD_HASH. issue-token signs with
// ADMIN_JWT_SECRET.
func runAdmin(args []string, stdin io.Reader, stdout io.Writer) error {
	switch args[0] {
	case "hash-password":
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("hash-password: read: %w", err)
		}
		password := strings.TrimRight(line, "\r\n")
		if password == "" {
			return errors.New("hash-password: empty password")
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, hash)
		return err

	case "issue-token":
		fs := flag.NewFlagSet("issue-token", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		subject := fs.String("subject", "admin", "token subject")
		ttl := fs.Duration("ttl", time.Hour, "token lifetime")
		if err := fs.Parse(args[1:]); err != nil {
			return fmt.Errorf("issue-token: %w", err)
		}

		secret, err := config.LoadAdminSecret()
		if err != nil {
			return err
		}
		token, exp, err := auth.NewVerifier("", secret).IssueToken(*subject, *ttl)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "%s\n# expires %s\n", token, exp.UTC().Format(time.RFC3339))
		return err
	}
	return fmt.Errorf("unknown command %q (want hash-password or issue-token)", args[0])
}
