// Package config handles configuration loading for the dispatcher,
// orchestrator, and worker binaries.
//
// # Overview
//
// Configuration is loaded from a single YAML file with environment
// variable expansion. The package provides validation of the fields
// each binary needs to start.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	credentials:
//	  admin_dsn: "${POSTGRES_ADMIN_DSN}"
//
// Syntax: ${VAR_NAME}. An unset variable expands to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	cluster:
//	  recovery_interval: "30s"
//	  idle_timeout: "5m"
//
// Supported units: ns, us, ms, s, m, h.
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"  # dispatcher HTTP ingress listener
//
// Rate limiting:
//
//	rate_limit:
//	  max_jobs: 10
//	  window: "1h"
//
// Cluster (Deployment Reconciler):
//
//	cluster:
//	  namespace: "coven-workers"
//	  worker_image: "registry.example.com/coven-worker:latest"
//	  recovery_interval: "2m"
//	  idle_timeout: "5m"
//
// Credentials (per-user database roles):
//
//	credentials:
//	  admin_dsn: "${POSTGRES_ADMIN_DSN}"
//	  secret_key_prefix: "coven-creds-"
//
// Queue (Orchestrator worker pool):
//
//	queue:
//	  team_size: 1
//	  team_concurrency: 4
//	  poll_interval: "500ms"
//
// Worker lifecycle:
//
//	worker:
//	  workspace_path: "/workspace"
//	  exit_on_idle_minutes: 10
//	  auto_push_interval: "30s"
//
// Frontends:
//
//	frontends:
//	  slack:
//	    enabled: true
//	    app_token: "${SLACK_APP_TOKEN}"
//	    bot_token: "${SLACK_BOT_TOKEN}"
//	    allowed_channels: ["general"]
//	  matrix:
//	    enabled: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/coven/orchestrator.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config
