package raft

import "errors"

var (
	// ErrNotLeader is returned when an operation that requires
	// leadership is invoked on a non-leader, or leadership was lost
	// while the operation was in flight.
	ErrNotLeader = errors.New("raft: not leader")

	// ErrNodeStopped is returned for operations on a stopped node.
	ErrNodeStopped = errors.New("raft: node stopped")

	// ErrNoQuorum is returned when a majority of the cluster could not
	// be reached.
	ErrNoQuorum = errors.New("raft: could not reach quorum")

	// ErrConfigChangeInFlight is returned when a membership change is
	// proposed while an earlier one is still uncommitted.
	ErrConfigChangeInFlight = errors.New("raft: configuration change already in flight")

	// ErrAlreadyMember is returned when adding a node that is already
	// in the cluster configuration.
	ErrAlreadyMember = errors.New("raft: node is already a member")

	// ErrNotMember is returned when removing a node that is not in the
	// cluster configuration.
	ErrNotMember = errors.New("raft: node is not a member")

	// ErrNoSnapshot is returned when a snapshot is needed to catch a
	// peer up but none has been taken yet.
	ErrNoSnapshot = errors.New("raft: no snapshot available")
)
