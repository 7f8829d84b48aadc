// Package vault keeps the user's secrets encrypted at rest.
//
// A Bridge owns one sealed blob on disk and mirrors the host's invoke surface
// with Result values that never carry Go errors to the UI. A Store layers a
// string map over the blob, with one writer goroutine serializing every
// read-modify-write.
package vault
