package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"collab-coordinator/backend/config"
	"collab-coordinator/backend/internal/cache"
	"collab-coordinator/backend/internal/httpapi/middleware"
	"collab-coordinator/backend/internal/lease"
	"collab-coordinator/backend/internal/presence"
)

// opener 按配置打开缓存，测试里换成内存实现
type opener func(configDir string) (cache.Substrate, *config.CoordinatorConfig, error)

func openFromConfig(configDir string) (cache.Substrate, *config.CoordinatorConfig, error) {
	var paths []string
	if configDir != "" {
		paths = append(paths, configDir)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return nil, nil, err
	}
	if len(cfg.Redis.Addrs) == 0 {
		return nil, nil, errors.New("redis.addrs is empty: collabctl needs the shared redis")
	}
	rdb := cache.NewRedisClient(cache.RedisConfig{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return cache.NewRedisSubstrate(rdb, log.New(os.Stderr, "[redis] ", log.LstdFlags|log.Lmsgprefix)), cfg, nil
}

type cli struct {
	open      opener
	out       io.Writer
	configDir string
	timeout   time.Duration
}

func newRootCmd(open opener, out io.Writer) *cobra.Command {
	c := &cli{open: open, out: out}
	root := &cobra.Command{
		Use:           "collabctl",
		Short:         "Inspect and repair document presence and write locks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&c.configDir, "config", "", "directory containing coordinatorConfig.yaml")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 5*time.Second, "timeout for each store call")

	presenceCmd := &cobra.Command{Use: "presence", Short: "Document presence"}
	presenceCmd.AddCommand(&cobra.Command{
		Use:   "list <docId>",
		Short: "List the active collaborators of a document",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runPresenceList,
	})

	lockCmd := &cobra.Command{Use: "lock", Short: "Document write lock"}
	lockCmd.AddCommand(&cobra.Command{
		Use:   "get <docId>",
		Short: "Show who holds the write lock",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runLockGet,
	}, &cobra.Command{
		Use:   "release <docId>",
		Short: "Force-release the write lock of a document",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runLockRelease,
	})

	var secret, username string
	var ttl time.Duration
	tokenCmd := &cobra.Command{
		Use:   "token <userId>",
		Short: "Sign a development access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("--secret is required")
			}
			tok, err := middleware.SignAccessToken([]byte(secret), args[0], username, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(c.out, tok)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&secret, "secret", os.Getenv("COLLAB_AUTH_JWTSECRET"), "HS256 secret (defaults to COLLAB_AUTH_JWTSECRET)")
	tokenCmd.Flags().StringVar(&username, "username", "", "username claim")
	tokenCmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")

	root.AddCommand(presenceCmd, lockCmd, tokenCmd)
	return root
}

func (c *cli) withStore(cmd *cobra.Command, fn func(ctx context.Context, s cache.Substrate, cfg *config.CoordinatorConfig) error) error {
	s, cfg, err := c.open(c.configDir)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
	defer cancel()
	return fn(ctx, s, cfg)
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) runPresenceList(cmd *cobra.Command, args []string) error {
	return c.withStore(cmd, func(ctx context.Context, s cache.Substrate, cfg *config.CoordinatorConfig) error {
		// 同步清理，命令退出前清理要做完
		tr := presence.NewTracker(s, presence.Options{
			InactivityWindow: cfg.Presence.InactivityWindow,
			Logger:           log.New(io.Discard, "", 0),
		})
		list, err := tr.GetCollaborators(ctx, args[0])
		if err != nil {
			return fmt.Errorf("list collaborators: %w", err)
		}
		if len(list) == 0 {
			fmt.Fprintf(c.out, "no active collaborators on %s\n", args[0])
			return nil
		}
		return c.printJSON(list)
	})
}

func (c *cli) lockManager(s cache.Substrate, cfg *config.CoordinatorConfig) *lease.Manager {
	return lease.NewManager(s, lease.Options{LockTTL: cfg.Lock.TTL, Logger: log.New(io.Discard, "", 0)})
}

func (c *cli) runLockGet(cmd *cobra.Command, args []string) error {
	return c.withStore(cmd, func(ctx context.Context, s cache.Substrate, cfg *config.CoordinatorConfig) error {
		l, err := c.lockManager(s, cfg).GetWriteLock(ctx, args[0])
		if err != nil {
			return err
		}
		if l == nil {
			fmt.Fprintf(c.out, "%s is not locked\n", args[0])
			return nil
		}
		return c.printJSON(l)
	})
}

func (c *cli) runLockRelease(cmd *cobra.Command, args []string) error {
	return c.withStore(cmd, func(ctx context.Context, s cache.Substrate, cfg *config.CoordinatorConfig) error {
		if err := c.lockManager(s, cfg).ReleaseWriteLock(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "released write lock on %s\n", args[0])
		return nil
	})
}
