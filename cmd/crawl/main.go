package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/LJTian/EconomistWatch/internal/app"
	"github.com/LJTian/EconomistWatch/internal/config"
	"github.com/LJTian/EconomistWatch/internal/logger"
	"github.com/LJTian/EconomistWatch/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// 执行一轮抓取后退出：适合手动触发或交给外部定时任务
func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:          "crawl [spider...]",
		Short:        "Run keyword spiders once and store the articles",
		Long:         "Run the named spiders (all spiders when none is given) against the search endpoint and insert every article into MongoDB.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				reg, err := app.LoadRegistry(config.SpidersFile())
				if err != nil {
					return err
				}
				for _, sp := range reg.All() {
					fmt.Fprintf(cmd.OutOrStdout(), "%-24s window=%dd query=%q\n", sp.Name, sp.WindowDays, sp.Query)
				}
				return nil
			}
			return run(cmd.Context(), args)
		},
	}
	cmd.Flags().BoolVarP(&list, "list", "l", false, "list available spiders and exit")
	return cmd
}

func run(ctx context.Context, names []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, app.Options{})
	if err != nil {
		log.Error("init app failed", zap.Error(err))
		return err
	}
	defer a.Close(context.Background())

	var results []scheduler.Result
	if len(names) == 0 {
		results = a.Scheduler.RunOnce(ctx)
	} else {
		for _, name := range names {
			res, err := a.Scheduler.RunSpider(ctx, name)
			if err != nil {
				log.Error("crawl failed", zap.String("spider", name), zap.Error(err))
			}
			results = append(results, res)
		}
	}

	failed := 0
	for _, res := range results {
		if res.Error != "" {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d spiders failed", failed, len(results))
	}
	return nil
}
