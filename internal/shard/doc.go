// Package shard manages the shard copies hosted on one node: their
// lifecycle, their storage, and the application of replicated
// operations to them.
//
// # Overview
//
// A Shard is one local copy of a data partition, either the primary or
// a replica. The Manager holds all copies the node hosts and reconciles
// them against routing pushes from the coordinator: copies assigned
// here get created and started, copies that moved away get dropped.
// The Executor sits between the replication layer and the Manager,
// applying put and delete operations to the right copy and translating
// "not here" and "not ready" conditions into the typed errors the
// replication coordinator knows how to retry or tolerate.
//
// # Lifecycle
//
// A copy moves through three states:
//
//	initializing ──▶ started ──▶ closed
//
// Fresh copies start initializing and must not serve primary
// operations. The routing push that assigned the copy marks it started.
// Closed copies are on their way out and drop everything.
//
// # Concurrency
//
// The Manager and each Shard are independently synchronized; operations
// on different shards never contend.
package shard
