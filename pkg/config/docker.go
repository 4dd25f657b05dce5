package config

import (
	"os"
	"sync"
)

var (
	dockerOnce sync.Once
	inDocker   bool
)

var loopbackHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
}

// IsRunningInDocker reports whether the process runs inside a container.
// RECON_IN_DOCKER=true|false overrides detection via /.dockerenv.
func IsRunningInDocker() bool {
	dockerOnce.Do(func() {
		switch os.Getenv("RECON_IN_DOCKER") {
		case "true":
			inDocker = true
		case "false":
			inDocker = false
		default:
			_, err := os.Stat("/.dockerenv")
			inDocker = err == nil
		}
	})
	return inDocker
}

// ResolveHostForDocker rewrites loopback hosts to host.docker.internal when
// running in a container so the database and Redis on the host stay reachable.
func ResolveHostForDocker(host string) string {
	if host == "" || !loopbackHosts[host] || !IsRunningInDocker() {
		return host
	}
	return "host.docker.internal"
}
