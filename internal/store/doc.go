// Package store is the document store behind the commit scheduler.
//
// It persists four record families: user credentials, per-user commit
// configuration, per-user scheduling status, and the append-only commit log.
// Two backends exist: sqlite (default) and a dependency-free file backend.
//
// The scheduler assumes a single running instance; status merge-updates are
// last-writer-wins and are not protected by cross-record transactions.
package store
