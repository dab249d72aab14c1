// Package terminal bridges PTY-backed shell sessions to an event stream.
//
// A Manager spawns shells on new pseudo-terminals, hands each one a numeric
// session id, and relays everything the shell prints to a Sink as
// EventOutput events from a goroutine dedicated to that session. Input and
// resize requests are applied synchronously on the caller's goroutine.
//
// Ids are allocated from 1 upward and never reused by the same Manager. A
// session stays registered until Kill is called, even after its shell has
// exited, unless the Manager was built with WithReapExited(true).
package terminal
