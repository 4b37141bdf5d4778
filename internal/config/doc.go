// Package config loads the daemon configuration.
//
// Configuration is read from a YAML file, by default
// $XDG_CONFIG_HOME/roled/config.yaml. A missing file is not an error: every
// field has a default, and fields absent from the file keep theirs.
//
// Example file:
//
//	backend: docker
//	docker:
//	  host: unix:///var/run/docker.sock
//	  timeout: 45s
//	role:
//	  command: ["sleep", "1000"]
//	  binds: ["colmena:/colmena"]
//	  auto_remove: true
//	shutdown:
//	  timeout: 1m
//	  remove_images: true
package config
