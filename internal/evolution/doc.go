// Package evolution upgrades documents between schema versions.
//
// A Schema names a target version and an ordered chain of Migrations.
// Documents carry their version in an embedded marker at
// "__schema_version/version"; a document without one is "unversioned".
// Engine.LoadWithMigration brings a stored document up to its namespace's
// schema lazily, on load.
//
// # Determinism
//
// Every replica that applies the same migration writes with the same
// actor (ident.MigrationActorID of schema, from and to), a fixed message
// and no timestamp. Two forks migrated independently from the same base
// therefore produce byte-identical changes, which deduplicate when the
// forks merge. ConflictResolver merges such forks and checks that their
// markers agree.
//
// Migrations can be written in Go (Step) or declared in YAML with expr
// predicates and values (LoadSchemaFile). A schema may carry a CUE
// constraint that every migrated document must satisfy.
package evolution
