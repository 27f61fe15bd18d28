package main

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kardianos/service"
)

// program implements service.Interface.
type program struct {
	configPath string
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	svcLogger  service.Logger
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	if p.svcLogger != nil {
		p.svcLogger.Info("OverAir agent service starting")
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})

	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)

	if err := runAgent(p.ctx, p.configPath, true); err != nil && p.svcLogger != nil {
		p.svcLogger.Error(err)
	}
}

func (p *program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}

	select {
	case <-p.done:
		if p.svcLogger != nil {
			p.svcLogger.Info("OverAir agent service stopped gracefully")
		}
	case <-time.After(30 * time.Second):
		if p.svcLogger != nil {
			p.svcLogger.Warning("OverAir agent service stopped with timeout")
		}
	}
	return nil
}

// serviceConfig returns the service definition for the current platform.
// On-failure restart matters here: an IMMEDIATE install exits the process
// and relies on the service manager to bring it back up on the new package.
func serviceConfig() *service.Config {
	var workingDir string
	switch runtime.GOOS {
	case "windows":
		workingDir = filepath.Join(os.Getenv("ProgramData"), "OverAir")
	case "darwin":
		workingDir = "/Library/Application Support/OverAir"
	default:
		workingDir = "/var/lib/overair"
	}

	return &service.Config{
		Name:             "OverAirAgent",
		DisplayName:      "OverAir Update Agent",
		Description:      "Over-the-air update agent. Checks for new application packages, installs them, and rolls back releases that fail to launch.",
		WorkingDirectory: workingDir,
		Arguments:        []string{"--service", "run"},
		Option: service.KeyValue{
			// Windows service options
			"StartType":              "automatic",
			"OnFailure":              "restart",
			"OnFailureDelayDuration": "5s",
			"OnFailureResetPeriod":   30,

			// Linux systemd options
			"Restart":           "always",
			"RestartSec":        5,
			"SuccessExitStatus": "0 SIGTERM",
			"KillMode":          "mixed",
			"KillSignal":        "SIGTERM",
			"SendSIGKILL":       true,

			// macOS launchd options
			"RunAtLoad":     true,
			"KeepAlive":     true,
			"SessionCreate": false,
		},
	}
}
