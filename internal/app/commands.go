package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"polyclaw/internal/cli"
	"polyclaw/internal/config"
	"polyclaw/internal/eventbus"
	"polyclaw/internal/store"
)

// CommandDeps 为只读子命令装配行情源与账本，复用服务启动时的同一套构建逻辑。
func CommandDeps(cfg *config.Config, out io.Writer, opts ...AppBuilderOption) cli.Deps {
	b := NewAppBuilder(cfg, opts...)
	return cli.Deps{
		Out: out,
		Markets: func(ctx context.Context) (cli.Markets, error) {
			md, err := b.marketDataFn(ctx, cfg, eventbus.New())
			if err != nil {
				return nil, err
			}
			m, ok := md.(cli.Markets)
			if !ok {
				return nil, fmt.Errorf("market source %T cannot be listed", md)
			}
			return m, nil
		},
		Ledger: func() (cli.History, error) {
			path := strings.TrimSpace(cfg.Database.Path)
			if path == "" {
				return nil, errors.New("database.path is empty, no ledger to read")
			}
			l, err := store.NewLedger(path)
			if err != nil {
				return nil, fmt.Errorf("open ledger: %w", err)
			}
			return l, nil
		},
	}
}
