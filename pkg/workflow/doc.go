// Package workflow evaluates edge predicates for agent-team workflows.
// A condition is a single "<operand> <op> <literal>" expression resolved
// against the run, the node and the execution context. Comparison is
// numeric when both sides parse as numbers (with a small equality
// tolerance) and case-insensitive string equality otherwise.
package workflow
