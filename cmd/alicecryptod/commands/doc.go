// Package commands defines the alicecryptod CLI.
//
// Commands
//
//   - serve     Run the WebSocket (and optional QUIC) server
//   - messages  List stored encrypted messages without decrypting them
//   - version   Print the build version
//
// The root command loads the YAML configuration, applies flag overrides and
// configures logging before any subcommand runs.
package commands
