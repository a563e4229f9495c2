// Package trim implements the trim-balancing retry loop.
//
// One Loop drives repeated (deform, solve, measure) cycles through an injected
// Cycle, correcting a scalar control variable from the measured moment
// residual until the residual is within tolerance or the attempt budget is
// spent. Every step is an explicit, validated state transition and every run
// ends in exactly one tagged Report.
package trim
