// Package hashchain implements the append-only hash chain behind the audit
// ledger.
//
// Every node stores the hash of its predecessor; the genesis node has a nil
// PreviousHash. A node hash is the SHA-256 of the canonical JSON encoding of
// {index, timestamp, data, previous_hash}, so any change to a stored node is
// detected by VerifyChain.
//
// The structure is a linear chain, not a binary Merkle tree: an inclusion
// proof for node i carries the hashes of nodes 0..i-1 and is O(i) in size.
package hashchain
