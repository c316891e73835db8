package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-booking/internal/booking"
	"github.com/hackgods/clinic-booking/internal/config"
	"github.com/hackgods/clinic-booking/internal/db"
	"github.com/hackgods/clinic-booking/internal/logging"
	redisclient "github.com/hackgods/clinic-booking/internal/redis"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "schedctl",
		Short:         "Operator tool for the clinic booking store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(slotsCmd())
	rootCmd.AddCommand(unblockCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// env bundles what every subcommand needs. Close releases the store.
type env struct {
	cfg   config.Config
	log   zerolog.Logger
	store db.Store
	svc   *booking.Service
}

func open(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logging.New(cfg.Env, cfg.LogLevel)

	store, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	svc := booking.NewService(store, redisclient.NoopLocker{}, cfg, booking.WithLogger(log))
	return &env{cfg: cfg, log: log, store: store, svc: svc}, nil
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		e.log.Error().Err(err).Msg("close store")
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the booking schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			e, err := open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.store.Migrate(ctx); err != nil {
				return err
			}
			e.log.Info().Str("store", e.cfg.StoreDriver).Msg("schema applied")
			return nil
		},
	}
}

func slotsCmd() *cobra.Command {
	var providerFlag, dateFlag string

	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Print the free slots of a provider on a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			providerID, err := uuid.Parse(providerFlag)
			if err != nil {
				return fmt.Errorf("--provider must be a UUID: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			e, err := open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			date := booking.DateOf(time.Now().In(e.cfg.Location))
			if dateFlag != "" {
				if date, err = booking.ParseDate(dateFlag); err != nil {
					return err
				}
			}

			list, err := e.svc.ListSlots(ctx, providerID, date)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(list)
		},
	}

	cmd.Flags().StringVar(&providerFlag, "provider", "", "provider id")
	cmd.Flags().StringVar(&dateFlag, "date", "", "date as YYYY-MM-DD (default today)")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func unblockCmd() *cobra.Command {
	var patientFlag, adminFlag string

	cmd := &cobra.Command{
		Use:   "unblock",
		Short: "Lift a no-show block from a patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			patientID, err := uuid.Parse(patientFlag)
			if err != nil {
				return fmt.Errorf("--patient must be a UUID: %w", err)
			}
			adminID := uuid.Nil
			if adminFlag != "" {
				if adminID, err = uuid.Parse(adminFlag); err != nil {
					return fmt.Errorf("--admin must be a UUID: %w", err)
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			e, err := open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.svc.UnblockPatient(ctx, booking.AdminActor(adminID), patientID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "patient %s unblocked\n", patientID)
			return nil
		},
	}

	cmd.Flags().StringVar(&patientFlag, "patient", "", "patient id")
	cmd.Flags().StringVar(&adminFlag, "admin", "", "administrator id recorded in the audit log")
	_ = cmd.MarkFlagRequired("patient")
	return cmd
}
