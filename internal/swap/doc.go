// Package swap holds the data model shared by both legs of an atomic
// cross-chain swap: orders, time locks, escrow immutables and state, secret
// hashing, the error taxonomy and the versioned state codec.
package swap
