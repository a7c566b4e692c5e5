package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainMigrationActor = "docstate/migration-actor/v1"
	DomainSchema         = "docstate/schema/v1"
	DomainSnapshot       = "docstate/snapshot/v1"
)

// actorIDBytes is the length of a derived actor id. automerge accepts any
// even number of hex digits; 16 bytes matches its own random actor ids.
const actorIDBytes = 16

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) []byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return h.Sum(nil)
}

// MigrationActorID derives the actor identity used to write a migration.
//
// CRITICAL: every replica applying the same (schema, from, to) migration
// must write with the same actor so the resulting change records are
// byte-identical and deduplicate on merge. The id therefore depends only
// on the migration's identity, never on the replica or the clock.
func MigrationActorID(schema, from, to string) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"schema": schema,
		"from":   from,
		"to":     to,
	})
	if err != nil {
		return "", fmt.Errorf("MigrationActorID: failed to marshal: %w", err)
	}
	sum := hashWithDomain(DomainMigrationActor, canonical)
	return hex.EncodeToString(sum[:actorIDBytes]), nil
}

// MustMigrationActorID is like MigrationActorID but panics on error.
func MustMigrationActorID(schema, from, to string) string {
	id, err := MigrationActorID(schema, from, to)
	if err != nil {
		panic(err)
	}
	return id
}

// SchemaHash computes the content hash of a schema registration: its
// name, target version and the ordered from->to edges of its chain.
// Two replicas registering the same chain get the same hash, which is
// what VerifyVersion style checks compare when markers agree.
func SchemaHash(name, version string, edges [][2]string) (string, error) {
	chain := make([]any, len(edges))
	for i, e := range edges {
		chain[i] = []any{e[0], e[1]}
	}
	canonical, err := MarshalCanonical(map[string]any{
		"name":    name,
		"version": version,
		"chain":   chain,
	})
	if err != nil {
		return "", fmt.Errorf("SchemaHash: failed to marshal: %w", err)
	}
	return hex.EncodeToString(hashWithDomain(DomainSchema, canonical)), nil
}

// SnapshotDigest returns the content digest of saved document bytes.
// Archived snapshots carry it so a reader can detect truncated objects.
func SnapshotDigest(data []byte) string {
	return hex.EncodeToString(hashWithDomain(DomainSnapshot, data))
}
