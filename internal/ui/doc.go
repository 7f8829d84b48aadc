// Package ui is the unprivileged side of the desktop channel.
//
// A Client only reaches the host through whitelisted channel calls. It reads
// and writes the secret vault, resolves the backend port, forwards backend
// errors into a session machine and follows editor file changes.
package ui
