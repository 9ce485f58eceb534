package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install 'distributor serve' as a user service (launchd/systemd)",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			svc := serviceFiles{exec: execPath, config: resolveConfigPath()}
			switch runtime.GOOS {
			case "darwin":
				return svc.install(svc.launchd())
			case "linux":
				return svc.install(svc.systemd())
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the distributor user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc serviceFiles
			switch runtime.GOOS {
			case "darwin":
				return svc.uninstall(svc.launchd())
			case "linux":
				return svc.uninstall(svc.systemd())
			default:
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}
		},
	}
}

const launchdLabel = "io.distributor.serve"

type serviceFiles struct {
	exec   string
	config string
}

// serviceUnit is one rendered service definition and how to control it.
type serviceUnit struct {
	path  string
	body  string
	hints []string
}

func (s serviceFiles) launchd() serviceUnit {
	home, _ := os.UserHomeDir()
	path := filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
	logDir := defaultLogDir()
	body := strings.NewReplacer(
		"{{EXEC}}", s.exec,
		"{{CONFIG}}", s.config,
		"{{LABEL}}", launchdLabel,
		"{{LOG}}", filepath.Join(logDir, "distributor.log"),
		"{{ERR_LOG}}", filepath.Join(logDir, "distributor-error.log"),
	).Replace(launchdTemplate)
	return serviceUnit{
		path: path,
		body: body,
		hints: []string{
			"To start: launchctl load " + path,
			"To stop:  launchctl unload " + path,
		},
	}
}

func (s serviceFiles) systemd() serviceUnit {
	home, _ := os.UserHomeDir()
	path := filepath.Join(home, ".config", "systemd", "user", "distributor.service")
	body := strings.NewReplacer("{{EXEC}}", s.exec, "{{CONFIG}}", s.config).Replace(systemdTemplate)
	return serviceUnit{
		path: path,
		body: body,
		hints: []string{
			"To start:  systemctl --user start distributor",
			"To enable: systemctl --user enable distributor",
			"To stop:   systemctl --user stop distributor",
		},
	}
}

func (s serviceFiles) install(u serviceUnit) error {
	if err := os.MkdirAll(filepath.Dir(u.path), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(defaultLogDir(), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(u.path, []byte(u.body), 0o644); err != nil {
		return err
	}
	fmt.Printf("Service installed: %s\n", u.path)
	for _, h := range u.hints {
		fmt.Println(h)
	}
	return nil
}

func (s serviceFiles) uninstall(u serviceUnit) error {
	if err := os.Remove(u.path); err != nil {
		return fmt.Errorf("remove %s: %w", u.path, err)
	}
	fmt.Printf("Service removed: %s\n", u.path)
	return nil
}

// defaultLogDir is where the service definitions send stdout and stderr.
func defaultLogDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".distributor", "logs")
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=Document distribution engine
After=network.target redis.service

[Service]
Type=simple
ExecStart={{EXEC}} serve --config {{CONFIG}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target`
