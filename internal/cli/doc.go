// Package cli parses the sync server's command-line arguments into an app
// configuration.
package cli
