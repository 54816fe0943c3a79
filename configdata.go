// Package ozwdaemon embeds the annotated default settings file.
//
// The root package exists solely to embed config.default.toml via
// [DefaultConfigTOML]; the CLI writes it to the user directory on first run.
package ozwdaemon

import _ "embed"

// DefaultConfigTOML holds config.default.toml, generated by cmd/genconfig.
//
//go:embed config.default.toml
var DefaultConfigTOML []byte
