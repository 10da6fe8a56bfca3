// Package ranges models the change notifications exchanged between tiers: a
// Range of one kind, scoped by Filters into a RangeQuery, collected per table
// into a ChangeSet that never holds two overlapping entries for the same scope.
//
// Everything here is pure and synchronous.
package ranges
