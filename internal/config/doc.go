// Package config provides configuration management for cortexstream.
//
// # Overview
//
// Configuration is loaded with Viper from a YAML file and environment
// variables. The file lives at ~/.cortexstream/config.yaml and is created
// with defaults on first use.
//
// # Environment Variables
//
// Every value can be overridden with the CORTEXSTREAM_ prefix. Nested keys
// are joined with underscores:
//   - CORTEXSTREAM_SERVER_ADDR=:9090
//   - CORTEXSTREAM_STORAGE_DRIVER=sqlite3
//   - CORTEXSTREAM_LOGGING_LEVEL=debug
//
// # Usage Example
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
//	buf := persist.New(store, cfg.Persistence.ToBufferConfig())
package config
