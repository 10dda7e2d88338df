// Package main is the patient-side MediTriage client: it lists, opens and
// manages consultations stored on this device.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/meditriage/internal/config"
	"github.com/zhouzirui/meditriage/internal/engine"
	"github.com/zhouzirui/meditriage/internal/logger"
	"github.com/zhouzirui/meditriage/internal/model/profile"
	"github.com/zhouzirui/meditriage/internal/service/registry"
	"github.com/zhouzirui/meditriage/internal/store"
	"github.com/zhouzirui/meditriage/internal/transport"
)

const (
	Version = "0.1.0"
	appName = "meditriage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every subcommand needs.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	store    store.Store
	registry *registry.Registry
}

func openApp(ctx context.Context) (*app, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	zap.ReplaceGlobals(log.SugaredLogger.Desugar())

	st, err := store.Open(ctx, cfg.Store.Options())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}
	reg, err := registry.Open(ctx, st, log)
	if err != nil {
		st.Close()
		return nil, err
	}
	return &app{cfg: cfg, log: log, store: st, registry: reg}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close store", "error", err)
	}
	a.log.Sync()
}

// withApp wraps a RunE body with app setup and teardown.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   appName,
		Short: "Patient chat client for MediTriage consultations",
		Long: `meditriage keeps your consultations on this device and connects
them to the triage relay.

Describe your symptoms in a new consultation to receive an urgency
assessment, then chat with the clinician who picks it up.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
		},
	})
	cmd.AddCommand(listCmd(), newCmd(), openCmd(), deleteCmd(), clearCmd())
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List consultations, newest first",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			printSessions(cmd.OutOrStdout(), a.registry.List())
			return nil
		}),
	}
}

func newCmd() *cobra.Command {
	var open bool
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Start a new consultation",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			sess, err := a.registry.Create(cmd.Context(), uuid.NewString())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created consultation %s\n", sess.ID)
			if !open {
				return nil
			}
			return a.chat(cmd, sess.ID)
		}),
	}
	cmd.Flags().BoolVar(&open, "open", true, "Open the consultation right away")
	return cmd
}

func openCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <id>",
		Short: "Open a consultation; completed ones are shown read-only",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			return a.chat(cmd, args[0])
		}),
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a consultation from this device",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			if err := a.registry.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		}),
	}
}

func clearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every consultation on this device",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			if !yes {
				return errors.New("refusing to clear without --yes")
			}
			if err := a.registry.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "all consultations deleted")
			return nil
		}),
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deleting all consultations")
	return cmd
}

func (a *app) chat(cmd *cobra.Command, sessionID string) error {
	patient := profile.NewMemoryStore(a.cfg.Patient.Identity(), a.cfg.Patient.Profile())
	eng := engine.New(engine.Deps{
		Registry:  a.registry,
		Transport: transport.NewWebSocket(a.cfg.Relay.TransportOptions(), a.log),
		Profiles:  patient,
		Identity:  patient,
		Log:       a.log,
	}, sessionID)
	if err := eng.Start(cmd.Context()); err != nil {
		return err
	}
	defer eng.Close()
	return runChat(cmd.Context(), eng, cmd.InOrStdin(), cmd.OutOrStdout())
}
