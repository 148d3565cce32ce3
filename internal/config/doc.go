// Package config provides configuration loading and validation for the call
// stream service. Settings come from a YAML file, secrets may be overridden
// from the environment (optionally seeded from a .env file), and every
// section is validated before the service starts.
package config
