package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/verichat/internal/api"
	"github.com/p-blackswan/verichat/internal/config"
	"github.com/p-blackswan/verichat/internal/contacts"
	"github.com/p-blackswan/verichat/internal/models"
)

func runLogin(ctx context.Context, cfg *config.Config, logger zerolog.Logger, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	token := fs.String("token", "", "session JWT issued by the backend; read from stdin when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}

	raw := strings.TrimSpace(*token)
	if raw == "" {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading token: %w", err)
		}
		raw = strings.TrimSpace(line)
	}

	sess, closeDB, err := openSession(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	ident, err := sess.Save(ctx, raw)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Signed in as %s (%s)", ident.Self.Label(), ident.Self.Role)
	if !ident.ExpiresAt.IsZero() {
		fmt.Fprintf(out, " until %s", ident.ExpiresAt.Local().Format(time.RFC1123))
	}
	fmt.Fprintln(out)
	return nil
}

func runLogout(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	sess, closeDB, err := openSession(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()
	return sess.Clear(ctx)
}

func runContacts(ctx context.Context, cfg *config.Config, logger zerolog.Logger, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("contacts", flag.ContinueOnError)
	role := fs.String("role", "", "only print this role (operator or end_user)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *role != "" && !models.Role(*role).Valid() {
		return fmt.Errorf("unknown role %q", *role)
	}

	sess, closeDB, err := openSession(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	_, ident, err := sess.Identity(ctx)
	if err != nil {
		return err
	}

	client := api.NewClient(cfg.APIURL, sess, cfg.RequestTimeout, logger)
	all, err := client.ListContacts(ctx, ident.Self.Role)
	if err != nil {
		return err
	}
	lists := contacts.Segment(all, ident.Self.ID)

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Role", "ID", "Name", "Initials"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, r := range []models.Role{models.RoleOperator, models.RoleEndUser} {
		if *role != "" && models.Role(*role) != r {
			continue
		}
		for _, p := range lists.ByRole(r) {
			table.Append([]string{string(r), p.ID, p.Label(), p.Initials})
		}
	}
	table.Render()
	return nil
}
