// Package config defines the settings of the update daemon and loads them once
// at startup from defaults, an optional YAML file, an optional dotenv file and the
// UPDATER_* environment variables.
//
// Validation errors wrap ErrInvalid; the daemon treats them as fatal.
package config
