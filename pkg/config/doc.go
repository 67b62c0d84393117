// Package config provides configuration management for the portless daemon
// and the projects it serves.
//
// There are two kinds of configuration:
//
//   - The global daemon configuration, config.yaml inside the portless home
//     folder (~/.portless, or $PORTLESS_HOME). A default file is written the
//     first time the daemon runs.
//   - One project file per app (portless.yaml, portless.yml or
//     .portlessrc.yaml), searched from the app's working directory upward.
//
// # Configuration Precedence
//
// Global configuration values are applied in the following order (later
// overrides earlier):
//
//  1. Default values (defined in defaults.go)
//  2. Values from YAML file
//  3. Environment variable overrides (PORTLESS_*)
//  4. Validation (fails fast if invalid)
//
// Validation errors include field paths:
//
//	configuration validation failed with 2 errors:
//	  - daemon.port: port 0 out of range: must be between 1 and 65534
//	  - state.backend: invalid backend "redis": must be 'sqlite' or 'memory'
//
// # Example Project File
//
//	project_name: shop
//	domains:
//	  - id: web
//	    public: shop.example.com
//	    local: shop.local
//	    target: localhost:3000
//	  - local: api.shop.local
//	    target: localhost:4000
//	certificates:
//	  email: dev@example.com
//	tunnel:
//	  region: eu
package config
