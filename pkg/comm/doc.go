// Package comm maps a process group onto an aggregation topology and
// moves encoded message batches one hop toward rank 0, the unique
// output node. BinaryTree arranges ranks as a complete binary tree
// rooted at 0 and needs treeHeight-1 push rounds to drain every rank's
// messages to the root; Root is the flat alternative where every rank
// reports straight to 0 in a single round.
//
// A push round is collective: every rank of the group must call Push
// the same number of times, each call bracketed by group barriers, or
// the group deadlocks.
package comm
