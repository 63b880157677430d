// Package vm implements the verdict bytecode interpreter.
//
// A compiled Program is one instruction stream covering every rule. The
// interpreter evaluates it against a single scan: it reads scan facts, the
// match table and module objects through a ScanContext and records one
// verdict per rule.
//
// This package contains:
//   - the dispatch loop and the fatal error taxonomy
//   - the evaluation stack and register bank
//   - the iterator framework used by for-loops and quantifiers
//   - pattern and rule set queries
//
// Missing data never aborts a scan: it propagates as an undefined value.
// Only contract violations between compiler and interpreter, stack limits
// and aborts end a run, as a *FatalError.
package vm
