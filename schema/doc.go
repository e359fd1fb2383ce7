// Package schema describes, validates and evolves device parameters.
//
// # Overview
//
// A schema is a hash.Schema: a named Hash whose nodes describe parameters
// through attributes. Leaves carry a value type, an access mode, an
// assignment, a default and optional constraints (options, bounds, allowed
// states). Nodes group parameters; slots are nodes marked with the "Slot"
// display type.
//
// Schemas are produced once per class by a Builder and are treated as
// immutable snapshots afterwards. Runtime changes (Inject, Remove,
// Overwrite) always return a new snapshot.
//
// # Declaring parameters
//
//	s, err := schema.Assemble("PropertyTest", func(b *schema.Builder) {
//		b.Int32("integer").Reconfigurable().Default(0).MinInc(-100).MaxInc(100).Commit()
//		b.String("label").Init().Mandatory().Commit()
//		b.Slot("increment").AllowedStates("ON").Commit()
//	})
//
// # Validation
//
// Validate checks a configuration against a schema for one origin:
//
//   - OriginInit: mandatory parameters must be present, defaults are
//     injected, read-only values are rejected.
//   - OriginRuntime: only reconfigurable parameters may be written and the
//     current device state must be listed in allowedStates.
//
// Unknown paths are dropped and reported; an unknown node drops its whole
// subtree. Validation never aborts on the first problem: the sanitized
// configuration and the full list of problems are returned together.
package schema
