// Package main is the desk command: a terminal front end for the local
// coding-agent desktop runtime.
//
// Architecture:
//
//	UI client ──channel──> Host ──spawns──> agent backend (HTTP on 127.0.0.1)
//	    │                   │
//	    └── session machine ┴── vault, file watcher, diagnostics
//
// Commands:
//   - run: start the backend, open a session and stream its transcript
//   - secrets: manage API keys and settings in the encrypted vault
//   - version: print the installed backend version
//
// Configuration:
//   - DESK_* environment variables
//   - YAML file from --config or DESK_CONFIG_FILE
//   - Defaults for everything else
//
// Signals:
//   - SIGINT, SIGTERM: stop the session and terminate the backend
package main
