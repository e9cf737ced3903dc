// Package core defines the shared language of the crmsync system.
//
// This package contains:
//   - Domain entities (Record, IdentityEntry, Association, RunReport)
//   - Selection and mapping declarations (FilterSpec, MappingRule, MatchRule)
//   - Service interfaces (Client, Store)
//   - The error taxonomy used to classify failures (ErrorKind, Stage)
//
// The Golden Rule: pkg/core imports ONLY stdlib.
// All other packages depend on core, not the reverse.
package core
