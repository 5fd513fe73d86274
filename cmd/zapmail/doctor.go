package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"zapmail/internal/config"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your zapmail installation",
		Long: `Verifies that zapmail's configuration, database, Node runtime, and
channel settings are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("zapmail doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				failed++
				fmt.Printf("\nRun 'zapmail init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
			} else {
				printPass("Config validation", "valid")
				passed++
			}

			if cfg == nil {
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return nil
			}

			// 3. Data directory writable
			if err := checkDir(cfg.General.DataDir); err != nil {
				printFail("Data directory", err.Error())
				failed++
			} else {
				printPass("Data directory", cfg.General.DataDir)
				passed++
			}

			// 4. Database writable
			if err := checkDatabase(cfg.Store.DBPath); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				printPass("Database", cfg.Store.DBPath)
				passed++
			}

			// 5. WhatsApp channel
			if cfg.Channels.WhatsApp.Enabled {
				switch cfg.Channels.WhatsApp.Method {
				case "bridge":
					if ver, err := checkNode(cfg.Channels.WhatsApp.NodePath); err != nil {
						printFail("Node runtime", err.Error())
						failed++
					} else {
						printPass("Node runtime", ver)
						passed++
					}
					if err := checkDir(cfg.Channels.WhatsApp.SessionDir); err != nil {
						printFail("Session directory", err.Error())
						failed++
					} else {
						printPass("Session directory", cfg.Channels.WhatsApp.SessionDir)
						passed++
					}
					port := cfg.Channels.WhatsApp.BridgePort
					if err := checkPort(port); err != nil {
						printWarn("Bridge port", fmt.Sprintf("port %d in use (companion already running?)", port))
						warned++
					} else {
						printPass("Bridge port", fmt.Sprintf(":%d available", port))
						passed++
					}
				case "web":
					if err := checkDir(cfg.Channels.WhatsApp.WebProfileDir); err != nil {
						printFail("Browser profile", err.Error())
						failed++
					} else {
						printPass("Browser profile", cfg.Channels.WhatsApp.WebProfileDir)
						passed++
					}
				}
			} else {
				printWarn("WhatsApp channel", "disabled")
				warned++
			}

			// 6. Mail channel
			if cfg.Channels.Mail.Enabled {
				if cfg.Channels.Mail.Password == "" {
					printWarn("Mail channel", "no password configured (server may reject logins)")
					warned++
				} else {
					printPass("Mail channel", fmt.Sprintf("%s:%d as %s",
						cfg.Channels.Mail.Host, cfg.Channels.Mail.Port, cfg.Channels.Mail.Username))
					passed++
				}
			} else {
				printWarn("Mail channel", "disabled")
				warned++
			}

			// 7. API port
			if cfg.API.Enabled {
				if err := checkPort(cfg.API.Port); err != nil {
					printWarn("API port", fmt.Sprintf("port %d in use (gateway already running?)", cfg.API.Port))
					warned++
				} else {
					printPass("API port", fmt.Sprintf(":%d available", cfg.API.Port))
					passed++
				}
			}

			// 8. Template overrides
			if entries, err := os.ReadDir(cfg.Templates.Dir); err == nil {
				n := 0
				for _, e := range entries {
					ext := filepath.Ext(e.Name())
					if ext == ".yaml" || ext == ".yml" {
						n++
					}
				}
				printPass("Templates", fmt.Sprintf("%d override file(s) in %s", n, cfg.Templates.Dir))
				passed++
			} else {
				printPass("Templates", "using built-ins")
				passed++
			}

			// 9. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running zapmail.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nzapmail should work but consider the warnings above.\n")
			} else {
				fmt.Printf("\nAll checks passed! zapmail is ready to run.\n")
			}
			return nil
		},
	}
}

// checkDir ensures a directory exists and accepts writes.
func checkDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("cannot create: %w", err)
	}
	probe := filepath.Join(path, ".doctor")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	os.Remove(probe)
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
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

// checkNode resolves the Node binary and reports its version.
func checkNode(nodeBin string) (string, error) {
	if nodeBin == "" {
		nodeBin = "node"
	}
	bin, err := exec.LookPath(nodeBin)
	if err != nil {
		return "", fmt.Errorf("not found (install Node.js or set channels.whatsapp.nodePath)")
	}
	out, err := exec.Command(bin, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("%s --version failed: %v", bin, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func checkPort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
