package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"docrelay/internal/config"
	"docrelay/internal/memory"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your docrelay installation",
		Long: `Verifies that docrelay's configuration, channels, backends, database and
media directory are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("docrelay doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			r := &report{}

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'docrelay init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", r.passed, r.failed)
				return fmt.Errorf("config is invalid")
			}
			r.pass("Config validation", "valid")

			if _, err := config.LoadPersona(cfg.Relay.PersonaFile); err != nil {
				r.fail("Persona", err.Error())
			} else if cfg.Relay.PersonaFile == "" {
				r.pass("Persona", "built-in")
			} else {
				r.pass("Persona", cfg.Relay.PersonaFile)
			}

			if err := checkStore(cfg.Memory); err != nil {
				r.fail("Database", err.Error())
			} else {
				r.pass("Database", describeStore(cfg.Memory))
			}

			if err := checkWritableDir(cfg.Media.Dir); err != nil {
				r.fail("Media directory", err.Error())
			} else {
				r.pass("Media directory", cfg.Media.Dir)
			}

			checkProviders(r, cfg)
			checkChannels(r, cfg)

			if missingSecret(cfg.Transcription.APIKey) {
				r.warn("Transcription", "no API key; voice notes cannot be transcribed")
			} else {
				r.pass("Transcription", cfg.Transcription.Model)
			}
			if missingSecret(cfg.Speech.APIKey) {
				r.warn("Speech", "no API key; voice replies fall back to text")
			} else {
				r.pass("Speech", cfg.Speech.Provider)
			}

			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				r.warn("Server port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
			} else {
				r.pass("Server port", fmt.Sprintf(":%d available", cfg.Server.Port))
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running 'docrelay serve'.\n")
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			if r.warned > 0 {
				fmt.Printf("\ndocrelay should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! docrelay is ready to run.\n")
			}
			return nil
		},
	}
}

type report struct {
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	r.passed++
	printPass(check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	printWarn(check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	printFail(check, detail)
}

func checkProviders(r *report, cfg *config.Config) {
	names := append([]string{cfg.LLM.DefaultProvider}, cfg.LLM.FailoverChain...)
	usable := 0
	seen := make(map[string]bool)
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		p := cfg.Providers[name]
		switch {
		case !p.Enabled:
			r.warn("Provider: "+name, "referenced but disabled")
		case missingSecret(p.APIKey):
			r.warn("Provider: "+name, "enabled but no API key configured")
		default:
			usable++
			r.pass("Provider: "+name, p.Kind)
		}
	}
	if usable == 0 {
		r.fail("Language model", "no usable provider; every message would get the apology")
	}
}

func checkChannels(r *report, cfg *config.Config) {
	wa, fb := cfg.Channels.WhatsApp, cfg.Channels.Messenger
	if !wa.Enabled && !fb.Enabled {
		r.fail("Channels", "none enabled")
		return
	}
	if wa.Enabled {
		detail := "webhook " + wa.WebhookPath
		if !wa.ValidateSignature {
			r.warn("WhatsApp", detail+", signature validation off")
		} else {
			r.pass("WhatsApp", detail)
		}
	}
	if fb.Enabled {
		detail := "webhook " + fb.WebhookPath
		if fb.AppSecret == "" {
			r.warn("Messenger", detail+", no app secret for signature checks")
		} else {
			r.pass("Messenger", detail)
		}
	}
	if cfg.Server.PublicBaseURL == "" {
		r.warn("Public URL", "server.publicBaseUrl unset; platforms cannot fetch voice replies")
	} else {
		r.pass("Public URL", cfg.Server.PublicBaseURL)
	}
}

// missingSecret treats an unexpanded ${VAR} placeholder as unset.
func missingSecret(s string) bool {
	return s == "" || strings.HasPrefix(s, "${")
}

func describeStore(mc config.MemoryConfig) string {
	if mc.Driver == "postgres" {
		return "postgres"
	}
	return mc.DBPath
}

func checkStore(mc config.MemoryConfig) error {
	if mc.Driver == "postgres" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := memory.Open(ctx, mc, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		return store.Ping(ctx)
	}
	return checkDatabase(mc.DBPath)
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
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

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create: %w", err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
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
