package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"mia/internal/cache"
	"mia/internal/config"
	"mia/internal/provider"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your MIA installation",
		Long: `Verifies that the configuration, chat backend, database, cache and
listen addresses are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("MIA Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			r := &doctorReport{}

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'mia init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			if cfg.API.APIKey == "" {
				r.warn("API key", "api.apiKey is empty")
			} else {
				r.pass("API key", "configured")
			}
			endpoints := append([]string{cfg.API.Endpoint}, cfg.API.FallbackEndpoints...)
			for i, ep := range endpoints {
				name := "Backend"
				if i > 0 {
					name = fmt.Sprintf("Fallback %d", i)
				}
				d := provider.NewDify(provider.DifyConfig{
					Endpoint: ep,
					APIKey:   cfg.API.APIKey,
					User:     cfg.API.User,
					Timeout:  5 * time.Second,
					Logger:   logger,
				})
				if err := d.Healthy(ctx); err != nil {
					r.fail(name, err.Error())
				} else {
					r.pass(name, ep)
				}
			}

			if cfg.Memory.Enabled {
				if err := checkDatabase(cfg.Memory.DBPath); err != nil {
					r.fail("Database", err.Error())
				} else {
					r.pass("Database", cfg.Memory.DBPath)
				}
			} else {
				r.warn("Database", "memory disabled, history is not kept")
			}

			if cfg.Cache.Backend == "redis" {
				client, err := cache.NewRedisClient(ctx, cache.RedisConfig{
					Addr:       cfg.Cache.RedisAddr,
					Username:   cfg.Cache.RedisUser,
					Password:   cfg.Cache.RedisPass,
					DB:         cfg.Cache.RedisDB,
					TLSEnabled: cfg.Cache.RedisTLS,
				})
				if err != nil {
					r.fail("Redis cache", err.Error())
				} else {
					_ = client.Close()
					r.pass("Redis cache", cfg.Cache.RedisAddr)
				}
			} else {
				r.pass("Suggestion cache", cfg.Cache.Backend)
			}

			if cfg.Telegram.Enabled {
				if len(cfg.Telegram.AllowFrom) == 0 {
					r.warn("Telegram", "allowFrom is empty, every user can chat")
				} else {
					r.pass("Telegram", fmt.Sprintf("%d allowed user(s)", len(cfg.Telegram.AllowFrom)))
				}
			}
			if cfg.HTTP.Enabled {
				r.checkAddr("HTTP addr", cfg.HTTP.Addr)
				if cfg.HTTP.APIKey == "" {
					r.warn("HTTP auth", "http.apiKey is empty")
				}
			}
			if cfg.Metrics.Enabled {
				r.checkAddr("Metrics addr", cfg.Metrics.Addr)
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			return r.summary()
		},
	}
}

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *doctorReport) checkAddr(check, addr string) {
	if err := checkPort(addr); err != nil {
		r.warn(check, fmt.Sprintf("%s may be in use: %v", addr, err))
	} else {
		r.pass(check, addr+" available")
	}
}

func (r *doctorReport) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before running MIA.\n")
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned > 0 {
		fmt.Printf("\nMIA should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed! MIA is ready to run.\n")
	}
	return nil
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
