// Package config loads and validates the Canopy agent configuration.
//
// Configuration is read from a YAML file, merged over hardcoded defaults,
// and finally overridden by CANOPY_* environment variables. Validation
// happens once at load time so the rest of the agent can trust the values
// it receives.
//
// # Usage
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := mqtt.Connect(cfg.MQTT)
package config
