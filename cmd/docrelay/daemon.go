package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"text/template"

	"docrelay/internal/config"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "com.docrelay.serve"
	systemdUnit  = "docrelay.service"
)

// serviceSpec fills the launchd and systemd templates.
type serviceSpec struct {
	Label   string
	Exec    string
	Config  string
	EnvFile string
	Log     string
	ErrLog  string
}

func installDaemonCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install docrelay as a system daemon (launchd/systemd)",
		Long: `Generates and installs a user service that runs 'docrelay serve' on login.
On Linux the unit reads credentials such as OPENAI_API_KEY from --env-file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			logDir := filepath.Join(config.DefaultConfigDir(), "logs")
			if err := os.MkdirAll(logDir, 0o755); err != nil {
				return err
			}
			spec := serviceSpec{
				Label:   launchdLabel,
				Exec:    execPath,
				Config:  resolveConfigPath(),
				EnvFile: config.ExpandPath(envFile),
				Log:     filepath.Join(logDir, "docrelay.log"),
				ErrLog:  filepath.Join(logDir, "docrelay-error.log"),
			}

			path, err := servicePath()
			if err != nil {
				return err
			}
			tmpl := systemdTemplate
			if runtime.GOOS == "darwin" {
				tmpl = launchdTemplate
			}
			if err := writeService(path, tmpl, spec); err != nil {
				return err
			}

			fmt.Printf("Daemon installed: %s\n", path)
			if runtime.GOOS == "darwin" {
				fmt.Printf("To start: launchctl load %s\n", path)
				fmt.Printf("To stop:  launchctl unload %s\n", path)
			} else {
				fmt.Printf("To start:  systemctl --user start docrelay\n")
				fmt.Printf("To enable: systemctl --user enable docrelay\n")
				fmt.Printf("Logs:      journalctl --user -u docrelay -f\n")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", "~/.docrelay/env", "environment file for the systemd unit")
	return cmd
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the docrelay system daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := servicePath()
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Daemon uninstalled: %s\n", path)
			return nil
		},
	}
}

func servicePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), nil
	case "linux":
		return filepath.Join(home, ".config", "systemd", "user", systemdUnit), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
	}
}

func writeService(path, tmpl string, spec serviceSpec) error {
	t, err := template.New(filepath.Base(path)).Parse(tmpl)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := t.Execute(f, spec); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Exec}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{.Config}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.Log}}</string>
    <key>StandardErrorPath</key>
    <string>{{.ErrLog}}</string>
</dict>
</plist>
`

const systemdTemplate = `[Unit]
Description=docrelay messaging relay
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
EnvironmentFile=-{{.EnvFile}}
ExecStart={{.Exec}} serve --config {{.Config}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`
