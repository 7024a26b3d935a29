// Package netpolicy decides whether a download may use the current network.
//
// Check is a pure function of the network, the record's network constraints
// and the mobile size limits. Checks run in this order: connectivity,
// roaming, allowed network types, then size limits, which only apply to
// mobile networks once the total size is known.
package netpolicy
