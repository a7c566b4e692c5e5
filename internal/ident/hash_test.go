package ident

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationActorIDDeterminism(t *testing.T) {
	id1, err := MigrationActorID("account", "1.0.0", "2.0.0")
	require.NoError(t, err)
	id2, err := MigrationActorID("account", "1.0.0", "2.0.0")
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "actor id must depend only on the migration identity")
	assert.Len(t, id1, actorIDBytes*2)

	_, err = hex.DecodeString(id1)
	assert.NoError(t, err, "actor id must be valid hex")
}

func TestMigrationActorIDChangesWithInput(t *testing.T) {
	base := MustMigrationActorID("account", "1.0.0", "2.0.0")

	assert.NotEqual(t, base, MustMigrationActorID("ledger", "1.0.0", "2.0.0"))
	assert.NotEqual(t, base, MustMigrationActorID("account", "unversioned", "2.0.0"))
	assert.NotEqual(t, base, MustMigrationActorID("account", "1.0.0", "2.1.0"))
}

func TestMigrationActorIDNoBoundaryAmbiguity(t *testing.T) {
	// Field boundaries come from canonical JSON, so shifting characters
	// between fields must change the id.
	a := MustMigrationActorID("ab", "c", "d")
	b := MustMigrationActorID("a", "bc", "d")
	assert.NotEqual(t, a, b)
}

func TestSchemaHash(t *testing.T) {
	edges := [][2]string{{"unversioned", "1.0.0"}, {"1.0.0", "2.0.0"}}

	h1, err := SchemaHash("account", "2.0.0", edges)
	require.NoError(t, err)
	h2, err := SchemaHash("account", "2.0.0", edges)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	reordered := [][2]string{{"1.0.0", "2.0.0"}, {"unversioned", "1.0.0"}}
	h3, err := SchemaHash("account", "2.0.0", reordered)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3, "chain order is part of the schema identity")
}

func TestSnapshotDigestDomainSeparated(t *testing.T) {
	data := []byte("document bytes")
	assert.Equal(t, SnapshotDigest(data), SnapshotDigest(data))
	assert.NotEqual(t, SnapshotDigest(data), hex.EncodeToString(hashWithDomain(DomainSchema, data)))
}
