// Package ident provides document identity and content-addressed hashing.
//
// This package imports nothing internal. Everything that needs a stable,
// replica-independent identifier (document ids, migration actor ids,
// schema hashes) derives it here so that two processes given the same
// inputs always produce the same bytes.
//
// Key design constraints:
//   - Strings are NFC normalized at every identity boundary
//   - Hashes are domain separated (see hashWithDomain)
//   - Canonical JSON forbids floats and null
package ident
