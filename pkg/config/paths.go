package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths is the resolved on-disk layout under the var root:
//
//	var/
//	  run/daemon.sock, daemon.pid
//	  logs/daemon/           daemon log files
//	  logs/responses/        <session_id>.jsonl, one completion per line
//	  logs/events/           YYYY-MM-DD/events.jsonl
//	  db/                    events.db, state.db, composition_index.db
//	  lib/compositions/      {components,orchestrations,evaluations}/**
//	  lib/capabilities/      ksi_capabilities.yaml
//	  lib/permissions/       *.yaml profile overlays
//	  sandbox/<agent_id>/
//
// Individual directories are overridable through the environment; the
// defaults derive from VarDir.
type Paths struct {
	RunDir          string
	SocketFile      string
	PidFile         string
	DaemonLogDir    string
	ResponseDir     string
	EventLogDir     string
	DBDir           string
	CompositionDir  string
	CapabilityDir   string
	CapabilityFile  string
	PermissionDir   string
	SandboxRoot     string
}

func resolvePaths(varDir string) Paths {
	runDir := filepath.Join(varDir, "run")
	logDir := getEnv("KSI_LOG_DIR", filepath.Join(varDir, "logs"))
	dbDir := getEnv("KSI_DB_DIR", filepath.Join(varDir, "db"))
	libDir := filepath.Join(varDir, "lib")
	capDir := filepath.Join(libDir, "capabilities")

	return Paths{
		RunDir:         runDir,
		SocketFile:     filepath.Join(runDir, "daemon.sock"),
		PidFile:        filepath.Join(runDir, "daemon.pid"),
		DaemonLogDir:   filepath.Join(logDir, "daemon"),
		ResponseDir:    filepath.Join(logDir, "responses"),
		EventLogDir:    filepath.Join(logDir, "events"),
		DBDir:          dbDir,
		CompositionDir: getEnv("KSI_COMPOSITION_DIR", filepath.Join(libDir, "compositions")),
		CapabilityDir:  capDir,
		CapabilityFile: filepath.Join(capDir, "ksi_capabilities.yaml"),
		PermissionDir:  filepath.Join(libDir, "permissions"),
		SandboxRoot:    getEnv("KSI_SANDBOX_ROOT", filepath.Join(varDir, "sandbox")),
	}
}

// EventsDB returns the path of the event-log index database.
func (p Paths) EventsDB() string { return filepath.Join(p.DBDir, "events.db") }

// StateDB returns the path of the state-store database.
func (p Paths) StateDB() string { return filepath.Join(p.DBDir, "state.db") }

// CompositionIndexDB returns the path of the composition index database.
func (p Paths) CompositionIndexDB() string {
	return filepath.Join(p.DBDir, "composition_index.db")
}

// ResponseFile returns the response log path for a session.
func (p Paths) ResponseFile(sessionID string) string {
	return filepath.Join(p.ResponseDir, sessionID+".jsonl")
}

// EnsureDirs creates every directory of the layout that does not exist.
func (p Paths) EnsureDirs() error {
	dirs := []string{
		p.RunDir,
		p.DaemonLogDir,
		p.ResponseDir,
		p.EventLogDir,
		p.DBDir,
		p.CompositionDir,
		p.CapabilityDir,
		p.PermissionDir,
		p.SandboxRoot,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}
	return nil
}
