package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/marketlab/ctlplane/internal/approval"
	"github.com/marketlab/ctlplane/internal/breaker"
	"github.com/marketlab/ctlplane/internal/bus"
	"github.com/marketlab/ctlplane/internal/chatingress"
	"github.com/marketlab/ctlplane/internal/config"
	"github.com/marketlab/ctlplane/internal/dryrun"
	"github.com/marketlab/ctlplane/internal/orders"
	"github.com/marketlab/ctlplane/internal/policy"
	"github.com/marketlab/ctlplane/internal/worker"
)

func loadConfigOrExit() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, exitErr(exitConfigOrHealth, err)
	}
	return cfg, nil
}

func openBusOrExit(path string) (*bus.Store, error) {
	b, err := bus.Open(path)
	if err != nil {
		return nil, exitErr(exitStorage, err)
	}
	return b, nil
}

func ordersPathFor(busPath string) string {
	return busPath + ".orders.json"
}

func newEnqueueCmd() *cobra.Command {
	var cmdName, argsJSON string
	var ttlSec int

	c := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a command with source=cli",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOrExit()
			if err != nil {
				return err
			}
			b, err := openBusOrExit(cfg.BusDBPath)
			if err != nil {
				return err
			}
			defer b.Close()

			var parsedArgs map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &parsedArgs); err != nil {
					return exitErr(exitConfigOrHealth, fmt.Errorf("invalid --args JSON: %w", err))
				}
			}

			opts := bus.EnqueueOptions{ActorID: fmt.Sprintf("cli:%d", os.Getpid())}
			if ttlSec > 0 {
				opts.TTLSec = &ttlSec
			}
			if policy.Classify(cmdName).Risk == policy.RiskHigh {
				identity, _ := parsedArgs["token"].(string)
				if identity == "" {
					identity = "__ALL__"
				}
				opts.DedupeKey = cmdName + ":" + identity
			}

			cmdID, err := b.Enqueue(cmd.Context(), cmdName, parsedArgs, bus.SourceCLI, opts)
			if err != nil {
				return exitErr(exitStorage, err)
			}
			fmt.Println(cmdID)
			return nil
		},
	}
	c.Flags().StringVar(&cmdName, "cmd", "", "dotted command name (required)")
	c.Flags().StringVar(&argsJSON, "args", "{}", "command arguments as a JSON object")
	c.Flags().IntVar(&ttlSec, "ttl", 0, "optional TTL in seconds")
	c.MarkFlagRequired("cmd")
	return c
}

func newStopNowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop-now",
		Short: "Enqueue the stop.now kill-switch command",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOrExit()
			if err != nil {
				return err
			}
			b, err := openBusOrExit(cfg.BusDBPath)
			if err != nil {
				return err
			}
			defer b.Close()

			cmdID, err := b.Enqueue(cmd.Context(), "stop.now", map[string]any{}, bus.SourceCLI,
				bus.EnqueueOptions{ActorID: fmt.Sprintf("cli:%d", os.Getpid())})
			if err != nil {
				return exitErr(exitStorage, err)
			}
			fmt.Println(cmdID)
			return nil
		},
	}
}

func newDrainCmd() *cobra.Command {
	var apply bool

	c := &cobra.Command{
		Use:   "drain",
		Short: "List or execute pending NEW commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOrExit()
			if err != nil {
				return err
			}
			b, err := openBusOrExit(cfg.BusDBPath)
			if err != nil {
				return err
			}
			defer b.Close()

			if !apply {
				return previewDrain(cmd.Context(), b)
			}
			return applyDrain(cmd.Context(), b, cfg)
		},
	}
	c.Flags().BoolVar(&apply, "apply", false, "execute queued commands via an in-process worker instead of previewing them")
	return c
}

// previewDrain lists every pending NEW command in the order the worker
// would consume it, without mutating anything (NextNew never does either).
func previewDrain(ctx context.Context, b *bus.Store) error {
	rows, err := b.DB().QueryContext(ctx,
		`SELECT cmd_id, cmd, args FROM commands WHERE status = 'NEW' ORDER BY available_at ASC, id ASC`,
	)
	if err != nil {
		return exitErr(exitStorage, err)
	}
	defer rows.Close()
	for rows.Next() {
		var cmdID, cmdName, argsJSON string
		if err := rows.Scan(&cmdID, &cmdName, &argsJSON); err != nil {
			return exitErr(exitStorage, err)
		}
		var args map[string]any
		_ = json.Unmarshal([]byte(argsJSON), &args)
		fmt.Printf("%s  %s\n", cmdID, dryrun.Preview(cmdName, args))
	}
	return rows.Err()
}

func applyDrain(ctx context.Context, b *bus.Store, cfg *config.Config) error {
	ordersStore, err := orders.Open(ordersPathFor(cfg.BusDBPath))
	if err != nil {
		return exitErr(exitStorage, err)
	}
	ledger := approval.New(b)
	w := worker.New(b, ordersStore, ledger, worker.Config{
		Breaker:           breakerConfigFrom(cfg),
		DualControlStrict: cfg.DualControlStrict,
	})

	count := 0
	for {
		processed, err := w.DrainOne(ctx)
		if err != nil {
			return exitErr(exitStorage, err)
		}
		if !processed {
			break
		}
		count++
	}
	fmt.Printf("drained %d command(s)\n", count)
	return ordersStore.Flush()
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Exit 0 if storage is reachable and the worker heartbeat is fresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOrExit()
			if err != nil {
				return err
			}
			b, err := openBusOrExit(cfg.BusDBPath)
			if err != nil {
				return err
			}
			defer b.Close()

			hb, ok, err := b.GetState(cmd.Context(), "worker_heartbeat_ts")
			if err != nil {
				return exitErr(exitStorage, err)
			}
			if !ok {
				return exitErr(exitConfigOrHealth, fmt.Errorf("no worker heartbeat recorded yet"))
			}
			var ts int64
			if _, err := fmt.Sscanf(hb, "%d", &ts); err != nil {
				return exitErr(exitConfigOrHealth, fmt.Errorf("invalid heartbeat value %q", hb))
			}
			if b.Now().Unix()-ts > 10 {
				return exitErr(exitConfigOrHealth, fmt.Errorf("worker heartbeat is stale"))
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func breakerConfigFrom(cfg *config.Config) breaker.Config {
	return breaker.Config{Threshold: cfg.BreakerThreshold, Window: cfg.BreakerWindow()}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the worker loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOrExit()
			if err != nil {
				return err
			}
			b, err := openBusOrExit(cfg.BusDBPath)
			if err != nil {
				return err
			}
			defer b.Close()

			ordersStore, err := orders.Open(ordersPathFor(cfg.BusDBPath))
			if err != nil {
				return exitErr(exitStorage, err)
			}
			ledger := approval.New(b)
			w := worker.New(b, ordersStore, ledger, worker.Config{
				Breaker:           breakerConfigFrom(cfg),
				DualControlStrict: cfg.DualControlStrict,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info().Str("db", cfg.BusDBPath).Msg("worker: starting")
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				return exitErr(exitStorage, err)
			}
			log.Info().Msg("worker: shut down")
			return nil
		},
	}
}

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Run the chat-ingress long-poll loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOrExit()
			if err != nil {
				return err
			}
			if !cfg.ChatEnabled {
				return exitErr(exitConfigOrHealth, fmt.Errorf("CHAT_ENABLED is not set"))
			}
			b, err := openBusOrExit(cfg.BusDBPath)
			if err != nil {
				return err
			}
			defer b.Close()

			client := chatingress.NewHTTPClient(cfg.ChatControlChannel, cfg.ChatAPIToken, cfg.LongPoll())
			ing, err := chatingress.New(b, client, chatingress.Config{
				Allowlist:       cfg.ChatAllowlist,
				PIN:             cfg.ChatPIN,
				RateLimitPerMin: cfg.ChatRateLimitPerMin,
				LongPollSec:     cfg.ChatLongPollSec,
				Strict:          cfg.DualControlStrict,
			})
			if err != nil {
				return exitErr(exitConfigOrHealth, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return ing.Run(gctx) })

			log.Info().Msg("chatingress: starting")
			if err := g.Wait(); err != nil && ctx.Err() == nil {
				return exitErr(exitAuth, err)
			}
			log.Info().Msg("chatingress: shut down")
			return nil
		},
	}
}
