// Package config defines configuration structures for gulp.
//
// Configuration is layered, later sources winning:
//   - Defaults (Default)
//   - YAML configuration file (LoadFromFile)
//   - .env files (LoadDotEnv), which only fill unset variables
//   - Environment variables (GULP_ prefix, LoadFromEnv)
//   - Command-line flags (Merge)
//
// # Example
//
//	store: sqlite:///var/lib/gulp/gulp.db
//	download_dirs: [/srv/downloads]
//	max_concurrent: 4
//	buffer_size: 32KiB
//	retry:
//	  max_retries: 5
//	  min_retry_after: 30s
//	  max_retry_after: 24h
//	network:
//	  type: wifi
//	  max_bytes_over_mobile: 100MB
//	log:
//	  level: info
//	  format: json
package config
