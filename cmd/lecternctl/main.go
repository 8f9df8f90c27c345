// Command lecternctl is the operator CLI for a Lectern record store server.
//
// It logs a device in and out, restores a persisted session, and lets an
// already-signed-in user approve or reject pending login requests.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
)

const defaultServerURL = "ws://127.0.0.1:8080/ws"

func usage() {
	fmt.Fprintf(os.Stderr, `usage: lecternctl [flags] <command> [args]

commands:
  login              sign this device in (prompts for credentials)
  logout             release the account session and clear the local marker
  restore            re-adopt the locally persisted session
  whoami             print the restored session's user
  pending            list login requests waiting for a decision
  approve <id>       approve a pending login request
  reject <id>        reject a pending login request

flags:
`)
	flag.PrintDefaults()
}

func main() {
	server := flag.String("server", defaultServerURL, "record store websocket URL")
	cachePath := flag.String("cache", defaultCachePath(), "local session cache file")
	origin := flag.String("origin", "http://localhost", "Origin header sent on dial")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall command timeout")
	logLevel := flag.String("log-level", "warn", "log level (debug, info, warn, error)")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	err := run(ctx, args, options{
		serverURL: *server,
		cachePath: *cachePath,
		origin:    *origin,
		logLevel:  *logLevel,
	})
	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		usage()
		os.Exit(2)
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "interrupted")
		os.Exit(130)
	default:
		fmt.Fprintln(os.Stderr, "lecternctl:", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

type options struct {
	serverURL string
	cachePath string
	origin    string
	logLevel  string
}

func run(ctx context.Context, args []string, opts options) error {
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "login":
		return cmdLogin(ctx, opts, rest)
	case "logout":
		return cmdLogout(ctx, opts)
	case "restore", "whoami":
		return cmdRestore(ctx, opts)
	case "pending":
		return cmdPending(ctx, opts)
	case "approve":
		if len(rest) != 1 {
			return errUsage
		}
		return cmdDecide(ctx, opts, rest[0], true)
	case "reject":
		if len(rest) != 1 {
			return errUsage
		}
		return cmdDecide(ctx, opts, rest[0], false)
	default:
		return errUsage
	}
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "lectern-session.db"
	}
	return filepath.Join(dir, "lectern", "session.db")
}
