package proxy

import "strings"

// RewriteForContainer substitutes loopback hosts with the Docker
// host alias so URLs handed to a sandbox resolve back to this server.
// No-op for public hostnames.
func RewriteForContainer(rawURL string) string {
	replaced := strings.Replace(rawURL, "://localhost", "://host.docker.internal", 1)
	return strings.Replace(replaced, "://127.0.0.1", "://host.docker.internal", 1)
}
