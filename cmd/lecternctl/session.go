package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"lectern/internal/arbiter"
	"lectern/internal/directory"
	"lectern/internal/localcache"
	"lectern/internal/recordclient"
	v1 "lectern/shared/contracts/recordstore/v1"
)

// cli bundles the live connection, the local cache, and the arbiter built on
// top of them for the duration of one command.
type cli struct {
	log    *slog.Logger
	client *recordclient.Client
	cache  *localcache.Cache
	arb    *arbiter.Arbiter
}

// connect dials the record store, subscribes to both collections, and blocks
// until the first users snapshot lands so commands never act on nothing.
func connect(ctx context.Context, opts options) (*cli, error) {
	log := newCLILogger(opts.logLevel)

	if dir := filepath.Dir(opts.cachePath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("cache dir: %w", err)
		}
	}
	cache, err := localcache.Open(opts.cachePath)
	if err != nil {
		return nil, err
	}

	client, err := recordclient.Dial(ctx, opts.serverURL, recordclient.Options{
		Origin: opts.origin,
		Log:    log,
	})
	if err != nil {
		_ = cache.Close()
		return nil, err
	}

	arb, err := arbiter.New(arbiter.Config{
		Writer: client,
		Cache:  cache,
		Log:    log,
		OnForcedLogout: func(live directory.User) {
			fmt.Fprintf(os.Stderr, "session taken over by another device (user %s)\n", live.Username)
		},
	})
	if err != nil {
		client.Close()
		_ = cache.Close()
		return nil, err
	}

	c := &cli{log: log, client: client, cache: cache, arb: arb}

	client.OnSnapshot(directory.CollectionUsers, func(records []v1.Record) {
		arb.ApplyUsers(decodeUsers(log, records))
	})
	client.OnSnapshot(directory.CollectionLoginRequests, func(records []v1.Record) {
		arb.ApplyRequests(decodeRequests(log, records))
	})

	if err := client.Subscribe(ctx, directory.CollectionUsers, directory.CollectionLoginRequests); err != nil {
		c.close()
		return nil, err
	}

	select {
	case <-arb.Snapshot().Ready():
	case <-client.Done():
		c.close()
		return nil, recordclient.ErrClosed
	case <-ctx.Done():
		c.close()
		return nil, ctx.Err()
	}

	return c, nil
}

func (c *cli) close() {
	_ = c.client.Close()
	_ = c.cache.Close()
}

func decodeUsers(log *slog.Logger, records []v1.Record) []directory.User {
	out := make([]directory.User, 0, len(records))
	for _, r := range records {
		u, err := directory.DecodeUser(r.Doc)
		if err != nil {
			log.Warn("snapshot.user.decode_fail", "id", r.ID, "err", err)
			continue
		}
		out = append(out, u)
	}
	return out
}

func decodeRequests(log *slog.Logger, records []v1.Record) []directory.LoginRequest {
	out := make([]directory.LoginRequest, 0, len(records))
	for _, r := range records {
		req, err := directory.DecodeLoginRequest(r.Doc)
		if err != nil {
			log.Warn("snapshot.request.decode_fail", "id", r.ID, "err", err)
			continue
		}
		out = append(out, req)
	}
	return out
}

func newCLILogger(level string) *slog.Logger {
	lvl := slog.LevelWarn
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
