package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"wagate/internal/config"
	"wagate/internal/gateway"
	"wagate/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your wagate installation",
		Long: `Verifies that the configuration, database, listen port and optional
Kafka brokers are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("wagate doctor v%s\n\n", version)

			passed, failed, warned := 0, 0, 0

			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'wagate init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			printPass("Config file", cfgPath)
			passed++

			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				return fmt.Errorf("config invalid")
			}
			printPass("Config validation", "valid")
			passed++

			if st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				v, _ := st.SchemaVersion()
				st.Close()
				printPass("Database", fmt.Sprintf("%s (schema v%d)", cfg.Store.DBPath, v))
				passed++
			}

			if !cfg.WhatsApp.Enabled {
				printWarn("WhatsApp", "channel disabled: every send is rejected")
				warned++
			} else {
				printPass("WhatsApp", "sender "+cfg.WhatsApp.SenderNumber)
				passed++
			}
			if cb := gateway.StatusCallbackURL(cfg.WhatsApp.PublicBaseURL); cb == "" {
				printWarn("Status callback", "publicBaseUrl not set: delivery status will not be tracked")
				warned++
			} else {
				printPass("Status callback", cb)
				passed++
			}

			addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
			if err := checkListen(addr); err != nil {
				printWarn("Server port", fmt.Sprintf("%s may be in use: %v", addr, err))
				warned++
			} else {
				printPass("Server port", addr+" available")
				passed++
			}

			if k := cfg.Events.Kafka; k.Enabled {
				for _, b := range k.Brokers {
					if err := checkDial(b); err != nil {
						printFail("Kafka broker", fmt.Sprintf("%s: %v", b, err))
						failed++
					} else {
						printPass("Kafka broker", b)
						passed++
					}
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

func checkDial(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
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
