/*
Package diffmerge combines per-lane unified diffs from parallel agent
runs into a single patch.

Changed files are grouped across lanes by case-folded path. A file
touched by one lane passes through; a file touched by several merges
only when every lane has hunks, all lanes agree on old/new path
metadata, and no two lanes' hunk ranges intersect on the new file.
Merged files are emitted as a synthesized git-style patch with hunks
ordered by new start line; anything else surfaces as a structured
conflict record, never an error. The outcome is identical under any
permutation of the input lanes.
*/
package diffmerge
