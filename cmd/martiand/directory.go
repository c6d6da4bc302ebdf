package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/MartianFinance/core/internal/config"
	"github.com/MartianFinance/core/internal/directory"
)

func newDirectoryCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "directory",
		Short: "Inspect or edit the service address directory",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List all registered services",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDirectory(cmd.Context(), opts, func(store directory.Store) error {
					snapshot, err := store.Snapshot(cmd.Context())
					if err != nil {
						return err
					}
					names := make([]string, 0, len(snapshot))
					for name := range snapshot {
						names = append(names, name)
					}
					sort.Strings(names)
					for _, name := range names {
						if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, snapshot[name]); err != nil {
							return err
						}
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "resolve <name>",
			Short: "Print the address registered for a service",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDirectory(cmd.Context(), opts, func(store directory.Store) error {
					addr, err := store.Lookup(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(cmd.OutOrStdout(), addr)
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "register <name> <address>",
			Short: "Register or overwrite a service address",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDirectory(cmd.Context(), opts, func(store directory.Store) error {
					return store.Register(cmd.Context(), args[0], args[1])
				})
			},
		},
	)
	return cmd
}

func withDirectory(ctx context.Context, opts *rootOptions, fn func(directory.Store) error) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	store, closeFn, err := openDirectory(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(store)
}

// openDirectory 根据配置创建地址簿存储，返回的 closeFn 释放底层连接。
func openDirectory(ctx context.Context, cfg *config.Config) (directory.Store, func(), error) {
	dirOpts := []directory.Option{
		directory.WithLockTimeout(cfg.Directory.LockTimeout),
		directory.WithPollInterval(cfg.Directory.LockPoll),
	}
	switch cfg.Directory.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Directory.Redis.Address,
			Password: cfg.Directory.Redis.Password,
			DB:       cfg.Directory.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("连接地址簿 Redis 失败: %w", err)
		}
		store, err := directory.NewRedisStore(client, cfg.Directory.Redis.Key,
			append(dirOpts, directory.WithLockTTL(cfg.Directory.Redis.LockTTL))...)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil
	default:
		store, err := directory.NewFileStore(cfg.Directory.Path, dirOpts...)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}
