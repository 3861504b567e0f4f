// Package contracts defines the shared types exchanged between the
// draftflow components: the Process record and its accumulated context,
// background task records, the wire-level event and checkpoint envelopes,
// and the error taxonomy used across package boundaries.
//
// Every other package depends on contracts; contracts depends on nothing
// but the standard library and uuid.
package contracts
