// Package stage runs one external computational stage (mesh deformation or
// flow solve) as a blocking child process bound to a working directory.
//
// A Stage declares everything it touches:
//   - Inputs: artifacts that must already exist in the working directory.
//     They are resolved by the caller; nothing is discovered by globbing.
//   - Config: the derived configuration artifact handed to the program.
//   - Outputs: artifacts the program must leave behind.
//
// A run succeeds iff the process exits 0 and every declared output exists
// afterward. Retry policy belongs to the caller.
package stage
