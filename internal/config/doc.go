// Package config loads the YAML configuration shared by the gateway and the
// logical services, resolving relative paths against the config file and
// filling defaults for every timeout and retry budget.
package config
