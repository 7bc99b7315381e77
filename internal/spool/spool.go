// Package spool is the narrow queue interface the Session Controller and
// Call Scheduler consult: whether a peer has outbound work, and a place to
// drop a placeholder job when an answerer-side call ends in RCB
// (call-back-requested). The on-disk layout of a queued command is
// intentionally unspecified beyond what this package needs; it is not
// the uux.c spool format, only shaped the same way (a requester, a
// command line, and zero or more file redirections).
package spool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Job is one queued unit of outbound work for a peer.
type Job struct {
	Peer      string    `json:"peer"`
	Requester string    `json:"requester"`
	Command   string    `json:"command"`
	Files     []string  `json:"files,omitempty"`
	QueuedAt  time.Time `json:"queued_at"`
}

// Queue is the interface the Session Controller and Call Scheduler depend
// on; a file-backed implementation is provided by Dir, an optional
// S3-mirrored one by ArchivingQueue (see NewArchivingQueue).
type Queue interface {
	HasWork(peer string) bool
	Enqueue(job Job) error
}

// Dir is a directory-backed Queue: one JSON file per queued job, under
// {dir}/{peer}/.
type Dir struct {
	root string
}

// NewDir prepares a directory-backed Queue rooted at dir.
func NewDir(dir string) (*Dir, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating spool directory %s: %w", dir, err)
	}
	return &Dir{root: dir}, nil
}

func (d *Dir) peerDir(peer string) string {
	return filepath.Join(d.root, filepath.Base(peer))
}

// HasWork reports whether the peer's spool directory contains any queued
// job files.
func (d *Dir) HasWork(peer string) bool {
	entries, err := os.ReadDir(d.peerDir(peer))
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() {
			return true
		}
	}
	return false
}

// Enqueue writes job atomically (temp file then rename) into the peer's
// spool directory.
func (d *Dir) Enqueue(job Job) error {
	dir := d.peerDir(job.Peer)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating peer spool directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding spool job for %s: %w", job.Peer, err)
	}

	tmp, err := os.CreateTemp(dir, "job-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp spool file for %s: %w", job.Peer, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp spool file for %s: %w", job.Peer, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp spool file for %s: %w", job.Peer, err)
	}

	finalPath := filepath.Join(dir, fmt.Sprintf("job-%d.json", time.Now().UnixNano()))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming spool file for %s: %w", job.Peer, err)
	}
	return nil
}
