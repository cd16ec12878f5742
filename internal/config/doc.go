/*
Package config provides configuration management for the guest agent with
multi-source support.

Configuration is loaded in increasing order of precedence:

	defaults (NewDefault) → YAML file (LoadFromFile) → environment (LoadFromEnv)

It covers the virtio-fs transport (device path, tag, queue count), the
content-addressed store directories, the generation registry, and the
activation engine's swap/rollback tunables.

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/guestagent/config.yaml"); err != nil {
		log.Fatal(err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
*/
package config
