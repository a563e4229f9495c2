// Package cfgpatch derives solver configuration artifacts from templates.
//
// A configuration artifact is line-oriented text. A line is a comment when its
// first non-whitespace character is the comment marker (SU2 uses '%'), blank
// when it holds only whitespace, and an assignment when it contains '='. The
// key of an assignment is the trimmed text before the first '='.
//
// Derivation rewrites only the value of assignments whose key is overridden.
// Every other byte of the template, including line terminators, survives
// unchanged, so deriving with no overrides reproduces the template exactly.
// Override keys that match no line are ignored: callers pass one superset of
// keys to both the deform and the solve templates.
package cfgpatch
