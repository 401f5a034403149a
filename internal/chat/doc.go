// Package chat defines the domain shared by the presence and broadcast core:
// identities, messages, attachments, connection states, the error taxonomy
// surfaced to clients, and the contracts of the external stores the core
// calls into (credential store, blob store, message log).
package chat
