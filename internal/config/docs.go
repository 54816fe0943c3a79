package config

// ///////////////////////////////////////////////
// Documentation Types
// ///////////////////////////////////////////////

// FieldDoc documents one settings key for the generated config.default.toml.
type FieldDoc struct {
	// Comment is shown above the key.
	Comment string
	// Alternatives are shown as commented-out lines below the active value.
	Alternatives []string
}

// ConfigDocs maps dotted TOML key paths (e.g. "driver.serial_port") to their
// documentation. Section paths ("driver") document the section header.
var ConfigDocs = map[string]FieldDoc{
	// ///// Driver /////
	"driver": {
		Comment: "Controller driver. Command-line flags override the three paths.",
	},
	"driver.serial_port": {
		Comment: "Serial device of the Z-Wave controller. Leave empty to discover it.",
		Alternatives: []string{
			`serial_port = "/dev/ttyACM0"`,
			`serial_port = "/dev/serial/by-id/usb-0658_0200-if00"`,
		},
	},
	"driver.config_path": {
		Comment: "Directory with the device database shipped with the driver. Must exist.",
	},
	"driver.user_path": {
		Comment: "Directory for the driver's runtime data. Created if missing.\nEmpty uses the daemon's user directory (~/.ozwdaemon).",
		Alternatives: []string{
			`user_path = "/var/lib/ozwdaemon"`,
		},
	},
	"driver.discover": {
		Comment: "Look for a controller when serial_port is empty.\nWhen false, an empty serial_port is a fatal configuration error.",
	},
	"driver.port_patterns": {
		Comment: "Glob patterns tried in order by discovery; ** is supported.",
	},
	"driver.handshake_timeout_seconds": {
		Comment: "How long to wait for the controller to answer the version request.",
	},

	// ///// Daemon /////
	"daemon.watch_device": {
		Comment: "Shut down cleanly when the serial device disappears (stick unplugged).",
	},
	"daemon.metrics_addr": {
		Comment: "Serve Prometheus metrics on this address. Unset disables the endpoint.",
		Alternatives: []string{
			`metrics_addr = "127.0.0.1:9464"`,
		},
	},
	"daemon.update_manifest_url": {
		Comment: "Release manifest checked once at startup. Unset disables the check.",
		Alternatives: []string{
			`update_manifest_url = "https://example.com/ozwdaemon/release-manifest.json"`,
		},
	},

	// ///// Log /////
	"log.level": {
		Comment: "Minimum level: trace, debug, info, warn, error, fail.\ntrace logs every serial frame.",
		Alternatives: []string{
			`level = "debug"`,
		},
	},
	"log.max_size_mb": {
		Comment: "Log file size before rotation. Three rotated files are kept.",
	},
	"log.stderr": {
		Comment: "Also write log lines to standard error.",
	},
}
