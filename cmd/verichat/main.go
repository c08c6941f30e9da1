// Command verichat is the terminal chat client for operators and end users.
//
// Usage:
//
//	verichat login -token <jwt>   store the session credential
//	verichat logout               forget it
//	verichat contacts             print the contact lists
//	verichat                      open the chat page for the signed-in role
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/verichat/internal/config"
	"github.com/p-blackswan/verichat/internal/session"
	"github.com/p-blackswan/verichat/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "verichat: loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog, err := setupLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verichat: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := "run", []string(nil)
	if len(os.Args) > 1 {
		cmd, args = os.Args[1], os.Args[2:]
	}

	switch cmd {
	case "run":
		err = runChat(ctx, cfg, logger)
	case "login":
		err = runLogin(ctx, cfg, logger, args, os.Stdin, os.Stdout)
	case "logout":
		err = runLogout(ctx, cfg, logger)
	case "contacts":
		err = runContacts(ctx, cfg, logger, args, os.Stdout)
	case "-h", "--help", "help":
		usage(os.Stdout)
		return
	default:
		usage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		logger.Error().Err(err).Str("command", cmd).Msg("command failed")
		fmt.Fprintf(os.Stderr, "verichat %s: %v\n", cmd, err)
		closeLog()
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: verichat [run | login -token <jwt> | logout | contacts [-role operator|end_user]]")
}

// setupLogger writes JSON logs to the configured file. The terminal belongs
// to the chat page, so nothing is logged to stdout.
func setupLogger(cfg *config.Config) (zerolog.Logger, func(), error) {
	f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return zerolog.Nop(), func() {}, fmt.Errorf("opening log file: %w", err)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(f).With().Timestamp().Caller().Logger()
	if cfg.IsDevelopment() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: f, NoColor: true})
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Logger = logger

	var closed bool
	return logger, func() {
		if !closed {
			closed = true
			_ = f.Close()
		}
	}, nil
}

func openSession(cfg *config.Config, logger zerolog.Logger) (*session.Session, func(), error) {
	db, err := store.New(cfg.SessionDB, logger)
	if err != nil {
		return nil, nil, err
	}
	return session.New(db, logger), func() { _ = db.Close() }, nil
}
