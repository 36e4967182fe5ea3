// Package config provides layered configuration resolution for the SDK.
// Resolution happens once at client construction: Default() baseline,
// optionally overlaid by a JSON or YAML file, then MIXPANEL_* environment
// variables, then per-client options. The resolved Config is immutable and
// passed into the dispatcher; it is never re-resolved per call.
//
// Example:
//
//	cfg, err := config.Load("/etc/mixpanel.yaml")
//	if err != nil {
//	    cfg = config.Default()
//	}
//	config.FromEnv(&cfg)
package config
