// Command mcprelay serves configured MCP backends to many consumers through a
// shared, credential-scoped connection pool.
package main

import "os"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	SetVersion(version)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
