package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"kseri-server/internal/server"
)

// cliConfig holds the flag/env-bound settings for the kserid binary.
type cliConfig struct {
	port           int
	maxConnections int
}

func (c *cliConfig) validate() error {
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.maxConnections < 1 {
		return fmt.Errorf("max-connections must be positive: %d", c.maxConnections)
	}
	return nil
}

func newCmd(cfg *cliConfig) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("KSERI")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "kserid",
		Short:         "Authoritative multiplayer server for Kseri.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: KSERI_PORT)")
	fs.IntVar(&cfg.maxConnections, "max-connections", 1000, "maximum concurrent connections (env: KSERI_MAX_CONNECTIONS)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})

	return cmd
}

// runServer builds the server from cfg and runs it until an interrupt or
// terminate signal arrives.
func runServer(parent context.Context, cfg *cliConfig) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.NewServer(server.Config{
		Port:           cfg.port,
		MaxConnections: cfg.maxConnections,
	})

	if err := srv.Serve(ctx); err != nil {
		log.Printf("kserid: server exited with error: %v", err)
		return err
	}
	log.Println("kserid: graceful shutdown complete")
	return nil
}
