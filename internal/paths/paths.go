// Package paths centralizes file and directory names used by the daemon.
// Every file the daemon itself owns lives under the user data directory.
package paths

import "path/filepath"

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

// User directory file names.
const (
	PIDFile      = "ozwdaemon.pid"
	SettingsFile = "ozwdaemon.toml"
	LogFile      = "ozwdaemon.log"
)

// Installation defaults.
const (
	BinaryName = "ozwdaemon"
	UserDirRel = ".ozwdaemon" // relative to $HOME

	// DefaultConfigDir is where distribution packages install the Z-Wave
	// device database.
	DefaultConfigDir = "/usr/share/openzwave/config"
)

// DefaultPortPatterns are the glob patterns scanned for a controller when no
// serial port is configured. Stable by-id links come first so a replugged
// stick keeps its name.
var DefaultPortPatterns = []string{
	"/dev/serial/by-id/*",
	"/dev/ttyACM*",
	"/dev/ttyUSB*",
}

// ///////////////////////////////////////////////
// UserDir
// ///////////////////////////////////////////////

// UserDir provides path construction methods rooted at the user data
// directory handed to the driver.
type UserDir struct {
	Root string
}

// PID returns the full path to the PID file.
func (d UserDir) PID() string { return filepath.Join(d.Root, PIDFile) }

// Settings returns the full path to the daemon settings file.
func (d UserDir) Settings() string { return filepath.Join(d.Root, SettingsFile) }

// Log returns the full path to the log file.
func (d UserDir) Log() string { return filepath.Join(d.Root, LogFile) }
