// Copyright © 2025 CloudBoot Contributors
//
// SPDX-License-Identifier: MIT

// Main entry point for the CloudBoot provisioning controller.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cloudboot/cloudboot/pkg/discovery"
	"github.com/cloudboot/cloudboot/pkg/ipxe"
	"github.com/cloudboot/cloudboot/pkg/progress"
	"github.com/cloudboot/cloudboot/pkg/sshexec"
	"github.com/cloudboot/cloudboot/pkg/store"
)

// Config holds all configuration for the supervisor (C7). Every field is
// overridable from environment variables or a config file per spec.md §6.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	ReadTimeout  int `mapstructure:"read-timeout"`
	WriteTimeout int `mapstructure:"write-timeout"`
	IdleTimeout  int `mapstructure:"idle-timeout"`

	DBPath    string `mapstructure:"db-path"`
	LeaseFile string `mapstructure:"lease-file"`

	DiscoveryPeriodSeconds int `mapstructure:"discovery-period-seconds"`
	ProgressPeriodSeconds  int `mapstructure:"progress-period-seconds"`

	SSHUser     string `mapstructure:"ssh-user"`
	SSHPassword string `mapstructure:"ssh-password"`

	StalledCheckPeriodSeconds int `mapstructure:"stalled-check-period-seconds"`
	StalledThresholdSeconds   int `mapstructure:"stalled-threshold-seconds"`
}

// DefaultConfig returns the fixed-value constants spec.md §6 lists as
// acceptable for MVP.
func DefaultConfig() Config {
	return Config{
		Host:                   "127.0.0.1",
		Port:                   8000,
		ReadTimeout:            30,
		WriteTimeout:           30,
		IdleTimeout:            120,
		DBPath:                 "./cloudboot-lce.db",
		LeaseFile:              "/var/lib/dhcpd/dhcpd.leases",
		DiscoveryPeriodSeconds: 10,
		ProgressPeriodSeconds:  10,
		SSHUser:                "root",

		StalledCheckPeriodSeconds: 300,
		StalledThresholdSeconds:   1800,
	}
}

var rootCmd = &cobra.Command{
	Use:   "cloudbootd",
	Short: "CloudBoot provisioning controller",
	Long:  "Discovers network-booting hosts, drives them through installation, and serves their iPXE scripts.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the discovery loop, progress loop, and iPXE dispatcher",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("host", "127.0.0.1", "HTTP listen address")
	serveCmd.Flags().Int("port", 8000, "HTTP listen port")
	serveCmd.Flags().Int("read-timeout", 30, "Read timeout in seconds")
	serveCmd.Flags().Int("write-timeout", 30, "Write timeout in seconds")
	serveCmd.Flags().Int("idle-timeout", 120, "Idle timeout in seconds")

	serveCmd.Flags().String("db-path", "./cloudboot-lce.db", "Inventory database path")
	serveCmd.Flags().String("lease-file", "/var/lib/dhcpd/dhcpd.leases", "ISC dhcpd lease file path")

	serveCmd.Flags().Int("discovery-period-seconds", 10, "Discovery loop tick period")
	serveCmd.Flags().Int("progress-period-seconds", 10, "Progress loop tick period")

	serveCmd.Flags().String("ssh-user", "root", "Shared SSH user for the command channel")
	serveCmd.Flags().String("ssh-password", "", "Shared SSH password for the command channel (spec.md §9: source from a secret store)")

	serveCmd.Flags().Int("stalled-check-period-seconds", 300, "How often to log the stalled-host count")
	serveCmd.Flags().Int("stalled-threshold-seconds", 1800, "How long a host may sit outside {0,100} before it counts as stalled")

	viper.BindPFlags(serveCmd.Flags()) //nolint:errcheck

	rootCmd.AddCommand(serveCmd)
}

func main() {
	viper.SetConfigName("cloudboot")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/cloudboot/")
	viper.AddConfigPath("$HOME/.cloudboot")

	viper.SetEnvPrefix("CLOUDBOOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("error reading config file: %v", err)
		}
	}

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runServe(cmd *cobra.Command, args []string) error { //nolint:revive
	config := DefaultConfig()
	if err := viper.Unmarshal(&config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validateConfig(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Printf("starting cloudbootd with configuration:")
	log.Printf("  http: %s:%d", config.Host, config.Port)
	log.Printf("  db: %s", config.DBPath)
	log.Printf("  lease file: %s", config.LeaseFile)
	log.Printf("  discovery period: %ds, progress period: %ds", config.DiscoveryPeriodSeconds, config.ProgressPeriodSeconds)
	log.Printf("  stalled-host check: every %ds, threshold %ds", config.StalledCheckPeriodSeconds, config.StalledThresholdSeconds)

	dbLogger := log.New(os.Stdout, "store: ", log.LstdFlags)
	s, err := store.Open(config.DBPath, dbLogger)
	if err != nil {
		return fmt.Errorf("failed to open inventory store: %w", err)
	}
	defer s.Close() //nolint:errcheck

	channel := sshexec.New(config.SSHUser, config.SSHPassword)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	discoveryLoop := discovery.New(s, channel, config.LeaseFile,
		time.Duration(config.DiscoveryPeriodSeconds)*time.Second,
		log.New(os.Stdout, "discovery: ", log.LstdFlags))
	go discoveryLoop.Run(ctx)

	progressLoop := progress.New(s, channel,
		time.Duration(config.ProgressPeriodSeconds)*time.Second,
		log.New(os.Stdout, "progress: ", log.LstdFlags))
	go progressLoop.Run(ctx)

	go runStalledWatchdog(ctx, s,
		time.Duration(config.StalledCheckPeriodSeconds)*time.Second,
		time.Duration(config.StalledThresholdSeconds)*time.Second,
		log.New(os.Stdout, "watchdog: ", log.LstdFlags))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(time.Duration(config.ReadTimeout) * time.Second))

	dispatcher := ipxe.New(s, log.New(os.Stdout, "ipxe: ", log.LstdFlags))
	dispatcher.Mount(r)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      r,
		ReadTimeout:  time.Duration(config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(config.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(config.IdleTimeout) * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown error: %v", err)
		}
		cancel()
	}()

	log.Printf("iPXE dispatcher listening on %s", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	<-ctx.Done()
	log.Println("cloudbootd stopped")
	return nil
}

// stalledCounter is the subset of *store.Store the watchdog depends on.
type stalledCounter interface {
	CountStalled(ctx context.Context, threshold time.Duration, now time.Time) (int, error)
}

// runStalledWatchdog answers spec.md §9's watchdog Open Question (SPEC_FULL.md
// §5): on a fixed period, log how many hosts have sat outside {0, 100} past
// threshold. It never touches install_progress, so it adds no transition.
func runStalledWatchdog(ctx context.Context, s stalledCounter, period, threshold time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.CountStalled(ctx, threshold, time.Now())
			if err != nil {
				logger.Printf("count stalled hosts failed: %v", err)
				continue
			}
			if n > 0 {
				logger.Printf("%d host(s) stalled past %s", n, threshold)
			}
		}
	}
}

func validateConfig(config Config) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("invalid port: %d", config.Port)
	}
	if config.DBPath == "" {
		return fmt.Errorf("db-path must not be empty")
	}
	if config.LeaseFile == "" {
		return fmt.Errorf("lease-file must not be empty")
	}
	if config.SSHPassword == "" {
		log.Println("warning: ssh-password is empty; the command channel will fail authentication against real hosts")
	}
	return nil
}
