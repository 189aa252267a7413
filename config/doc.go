// Package config provides configuration loading and validation for embhttpd.
//
// The package handles YAML configuration files, environment variables, and CLI flags
// with automatic merging and validation using go-playground/validator.
//
// # Configuration Precedence
//
// Values are loaded in this order (later sources override earlier ones):
//
//  1. Default values
//  2. Configuration file(s) - multiple files merged left-to-right
//  3. Environment variables (EMBHTTP_ prefix)
//  4. CLI flags
//
// # Usage
//
//	cfg, err := config.Load([]string{"config.yaml"}, cmd.Flags())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Store in context for subcommands
//	ctx = config.WithContext(ctx, cfg)
//
//	// Retrieve later
//	cfg, err = config.FromContext(ctx)
//
// # Environment Variables
//
// All config keys map to environment variables with EMBHTTP_ prefix:
//   - server.addr → EMBHTTP_SERVER_ADDR
//   - server.mode → EMBHTTP_SERVER_MODE
//   - limits.max_conns → EMBHTTP_LIMITS_MAX_CONNS
//
// # Configuration Structure
//
// The Config struct contains:
//   - Server: listen address, scheduling mode, and I/O timeouts
//   - Limits: line, header, body, and connection bounds
//   - CORS: cross-origin resource sharing settings
//   - Log: logging level and output format
//
// # Validation
//
// Configuration is validated using struct tags:
//   - Addr is required
//   - Mode must be conn-goroutine, single-loop, or external
//   - Timeouts must be non-negative
//   - Log level must be debug, info, warn, or error
package config
