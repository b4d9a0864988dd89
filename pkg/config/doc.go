/*
Package config loads the service configuration from the environment.

Every knob has a default suitable for a single-node deployment; the
only hard requirement is an API key or JWT secret so the control plane
is reachable. Invalid values fail startup with a config error rather
than being silently corrected.
*/
package config
