// Package config loads rpmtool configuration.
//
// A configuration file is either YAML (.yaml, .yml) or CUE (.cue, .json).
// CUE files are unified with the #Config schema in schema.go, so unknown
// fields and wrong types are reported with their file position. Both
// formats decode into Config on top of Default(), then environment
// overrides are applied and the result is validated:
//
//	RPMTOOL_LOG_LEVEL     telemetry.log_level
//	RPMTOOL_LOG_FORMAT    telemetry.log_format
//	RPMTOOL_STORE_PATH    store.path ("off" disables the history store)
//	RPMTOOL_PROGRESS_URL  progress.url
//	RPMTOOL_POLICY_PATHS  policy.paths (comma separated)
//	RPMTOOL_DNF           dnf.binary
//
// A .env file in the working directory is loaded first, without
// overriding variables that are already set.
//
// Example:
//
//	dnf:
//	  options: ["--setopt=install_weak_deps=False"]
//	policy:
//	  paths: [/etc/rpmtool/policies]
//	  protected: [kernel-core]
//	telemetry:
//	  log_level: debug
//	  metrics_textfile: /var/lib/node_exporter/rpmtool.prom
//	remote:
//	  user: deploy
//	  runner_path: /usr/libexec/rpmtool/micro-runner
package config
