// Package channel is the command channel between the host and the UI.
//
// Three categories exist: send (UI to host), invoke (UI to host with reply)
// and receive (host pushes to UI). Every name must be declared in the
// Whitelist for the category it is used in, and calls fail closed with an
// *InvalidChannelError before anything is delivered.
//
// Messages cross the boundary as serialized Envelopes, so neither side ever
// holds the other's values.
package channel
