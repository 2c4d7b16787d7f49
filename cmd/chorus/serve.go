package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/voxpool/chorus/internal/bot"
	"github.com/voxpool/chorus/internal/call"
	"github.com/voxpool/chorus/internal/config"
	"github.com/voxpool/chorus/internal/dashboard"
	"github.com/voxpool/chorus/internal/db"
	"github.com/voxpool/chorus/internal/gate"
	"github.com/voxpool/chorus/internal/notify"
	"github.com/voxpool/chorus/internal/onboard"
	"github.com/voxpool/chorus/internal/platform/discord"
	"github.com/voxpool/chorus/internal/registry"
	"github.com/voxpool/chorus/internal/router"
	"github.com/voxpool/chorus/internal/supervisor"
)

// redeliverInterval paces retries of undelivered notices.
const redeliverInterval = 5 * time.Minute

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Chorus bot",
		Long:  "Connects the bot account and the assistant pool, then serves chat commands until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "chorus.yaml", "path to Chorus config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Database.Database, err)
	}

	reg, err := registry.New(registry.Opts{
		DB:                   gormDB,
		MaxCallsPerAssistant: cfg.Pool.MaxCallsPerAssistant,
		TopK:                 cfg.Pool.TopK,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connector := discord.NewConnector()
	botClient, err := connector.Connect(ctx, cfg.Platform.BotToken)
	if err != nil {
		return fmt.Errorf("connect bot account: %w", err)
	}
	defer botClient.Disconnect()

	me, err := botClient.Identify(ctx)
	if err != nil {
		return fmt.Errorf("identify bot account: %w", err)
	}
	fmt.Fprintf(out, "Bot account connected as %s (%s)\n", me.DisplayName, me.ID)

	dc, ok := botClient.(*discord.Client)
	if !ok {
		return fmt.Errorf("unexpected bot client type %T", botClient)
	}

	ownerTarget := cfg.Platform.LogChannelID
	if ownerTarget == "" {
		ownerTarget = cfg.OwnerID
	}
	notices, err := notify.New(notify.Opts{DB: gormDB, Sender: dc, OwnerTarget: ownerTarget})
	if err != nil {
		return err
	}

	sup, err := supervisor.New(supervisor.Opts{
		DB:               gormDB,
		Registry:         reg,
		Connector:        connector,
		Noticer:          notices,
		MaxAttempts:      cfg.Supervisor.ReconnectAttempts,
		SweepInterval:    cfg.SweepInterval(),
		ProbeConcurrency: cfg.Supervisor.ProbeConcurrency,
	})
	if err != nil {
		return err
	}
	if err := sup.StartAll(ctx); err != nil {
		return fmt.Errorf("start assistants: %w", err)
	}
	defer sup.StopAll()

	calls, err := call.NewManager(call.Opts{
		Registry:     reg,
		Clients:      sup,
		Noticer:      notices,
		JoinDeadline: cfg.JoinDeadline(),
		IdleTimeout:  cfg.IdleTimeout(),
	})
	if err != nil {
		return err
	}
	sup.OnAssistantLost(calls.AssistantLost)

	g, err := gate.New(gate.Opts{DB: gormDB, Limits: cfg.Limits, Exempt: cfg.IsSudoer})
	if err != nil {
		return err
	}

	ob, err := onboard.New(onboard.Opts{
		DB:            gormDB,
		Registry:      reg,
		Authenticator: discord.Authenticator{},
		Starter:       sup,
		MaxAssistants: cfg.Pool.MaxAssistants,
	})
	if err != nil {
		return err
	}

	b, err := bot.New(bot.Opts{
		Config:   cfg,
		DB:       gormDB,
		Registry: reg,
		Sup:      sup,
		Calls:    calls,
		Gate:     g,
		Onboard:  ob,
		Client:   botClient,
	})
	if err != nil {
		return err
	}

	h, err := router.New(router.Opts{Bot: b})
	if err != nil {
		return err
	}
	listener, err := discord.NewListener(discord.ListenerOpts{Client: dc, Responder: h})
	if err != nil {
		return err
	}

	reportCron := ""
	if cfg.Report.Enabled {
		reportCron = cfg.Report.Cron
	}

	go sup.Run(ctx, reportCron)
	go calls.Run(ctx)
	go listener.Run(ctx)
	go redeliverLoop(ctx, notices)
	if cfg.Dashboard.Enabled {
		go func() {
			if err := dashboard.Start(ctx, dashboard.StartOpts{
				DB:       gormDB,
				Registry: reg,
				Calls:    calls,
				Port:     cfg.Dashboard.Port,
				Out:      out,
			}); err != nil {
				fmt.Fprintf(out, "dashboard stopped: %v\n", err)
			}
		}()
	}

	fmt.Fprintf(out, "Chorus is serving (%d assistants)\n", len(reg.List()))
	<-ctx.Done()
	fmt.Fprintln(out, "Shutting down...")
	return nil
}

func redeliverLoop(ctx context.Context, notices *notify.Log) {
	ticker := time.NewTicker(redeliverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			notices.Redeliver()
		}
	}
}
