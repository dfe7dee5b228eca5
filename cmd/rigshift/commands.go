package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fieldcrew/rigshift/internal/catalog"
	"github.com/fieldcrew/rigshift/internal/hashchain"
	"github.com/fieldcrew/rigshift/internal/ipc"
	"github.com/fieldcrew/rigshift/internal/ledger"
	"github.com/fieldcrew/rigshift/internal/store"
	"github.com/fieldcrew/rigshift/internal/syncq"
)

func newServeCmd(cfgPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the shift API and the background syncer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(cfgPath(), os.Stderr)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			var syncer *syncq.Syncer
			if cfg.SyncEndpoint != "" {
				syncer = syncq.NewSyncer(a.queue, syncq.SyncerConfig{
					IntervalSec: cfg.SyncIntervalSec,
					MaxBackoff:  cfg.SyncMaxBackoff(),
				}, log)
				syncer.Start(ctx)
			} else {
				log.Warn().Msg("sync_endpoint not set, events stay queued")
			}

			srv := ipc.NewServer(a.handler(), cfg.ListenAddr, a.registry)

			// Graceful shutdown on interrupt.
			go func() {
				<-ctx.Done()
				log.Info().Msg("shutting down")
				if syncer != nil {
					syncer.Stop()
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("server shutdown")
				}
			}()

			log.Info().
				Str("url", ipc.FormatListenURL(cfg.ListenAddr)).
				Str("device_id", cfg.DeviceID).
				Str("version", version).
				Msg("rigshift listening")

			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
}

func newVerifyCmd(cfgPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Re-verify the persisted ledger chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(cfgPath(), os.Stderr)
			if err != nil {
				return err
			}
			return verifyLedger(cmd, cfg.DBPath, cfg.DeviceID, cfg.HashAlgorithm, log)
		},
	}
}

func newSyncCmd(cfgPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation round against the remote authority",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(cfgPath(), os.Stderr)
			if err != nil {
				return err
			}
			if cfg.SyncEndpoint == "" {
				return errors.New("sync_endpoint is not configured")
			}
			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			a.link.SetOnline(true)
			rep, err := a.queue.SyncAll(cmd.Context())
			if err != nil {
				return err
			}
			cleared := a.queue.ClearSynced(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "attempted=%d synced=%d requeued=%d failed=%d cleared=%d\n",
				rep.Attempted, rep.Synced, rep.Requeued, rep.Failed, cleared)
			return nil
		},
	}
}

func newCatalogCmd(cfgPath func() string) *cobra.Command {
	var showPINs bool
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Print the effective reference catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cfgPath(), os.Stderr)
			if err != nil {
				return err
			}
			cat, err := catalog.Load(cfg.CatalogPath)
			if err != nil {
				return err
			}
			out, err := cat.Marshal(showPINs)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().BoolVar(&showPINs, "show-pins", false, "include operator PINs")
	return cmd
}

// verifyLedger loads every persisted event and checks the chain. It returns
// the IntegrityError for a broken chain so the process exits non-zero.
func verifyLedger(cmd *cobra.Command, dbPath, deviceID, algorithm string, log zerolog.Logger) error {
	hasher, err := hashchain.ByName(algorithm)
	if err != nil {
		return err
	}
	db, err := store.NewDB(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	saved, err := store.NewJournal(db, deviceID).Load(cmd.Context())
	if err != nil {
		return err
	}
	l := ledger.New(ledger.Options{DeviceID: deviceID, Hasher: hasher, Logger: log})
	if err := l.Restore(saved.Events); err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "FAILED: %v\n", err)
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ok: %d events, head %s, verification code %s\n",
		l.Len(), l.Head(), l.VerificationCode())
	return nil
}
