// Package storage is the Storage Gateway: an object store capability with
// per-object expiry, plus the dataset layer that validates records against
// named schemas before they are written or handed to an algorithm.
//
// Two object store backends are provided. MemoryStore keeps objects in
// process and is used by tests and single-node setups. MinIOStore maps each
// collection to a bucket on an S3-compatible server.
package storage
