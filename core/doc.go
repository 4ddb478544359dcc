// Package core holds the domain types and the runtime of the transfer robot:
// token lifecycle, the rate-limited dispatcher, transfers and account
// polling. Bank, storage and transport adapters depend on core, never the
// other way around.
package core
