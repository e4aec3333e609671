// Package config loads and validates the Devicebay Core configuration.
//
// Configuration lives in a single YAML file, loaded once at startup and
// never reloaded. Load applies defaults, then validates every section;
// the process refuses to start on an invalid config rather than failing
// later at an awkward moment.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// The DEVICEBAY_CONFIG environment variable overrides the file path.
// Secrets such as the JWT signing key belong in the config file with
// 0600 permissions, not in the repository.
package config
