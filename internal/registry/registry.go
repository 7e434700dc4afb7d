// Package registry enforces the singleton-per-plan invariant across
// orchestrator processes on one host: a shared registry file tracks one
// entry per running instance, kept alive by periodic heartbeats and swept
// for crashed owners.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/taskforge/orchestrator/internal/applog"
	"github.com/taskforge/orchestrator/internal/atomicstore"
)

// Status is a registry entry's lifecycle state.
type Status string

const (
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

const (
	// HeartbeatInterval is the default interval between heartbeats.
	HeartbeatInterval = 30 * time.Second
	// HeartbeatTimeout is how old a heartbeat may be before an entry is
	// considered dead (2x the interval, per spec.md §4.6).
	HeartbeatTimeout = 2 * HeartbeatInterval

	registryFileName = "orchestrator-registry.json"
)

// Entry is one running (or recently running) orchestrator instance.
type Entry struct {
	InstanceID      string `json:"instance_id"`
	PlanID          string `json:"plan_id"`
	PID             int    `json:"pid"`
	StartedAt       string `json:"started_at"`
	LastHeartbeatAt string `json:"last_heartbeat_at"`
	Status          Status `json:"status"`
	SocketPath      string `json:"socket_path"`
}

func (e Entry) alive(now time.Time) bool {
	if !pidAlive(e.PID) {
		return false
	}
	last, err := time.Parse(time.RFC3339, e.LastHeartbeatAt)
	if err != nil {
		return false
	}
	return now.Sub(last) <= HeartbeatTimeout
}

type document struct {
	Entries []Entry `json:"entries"`
}

// ErrAlreadyRunning is returned by Register when a live entry for the plan
// already exists.
var ErrAlreadyRunning = errors.New("registry: orchestrator already running for this plan")

// AlreadyRunningError carries the conflicting entry's detail.
type AlreadyRunningError struct {
	ExistingPID int
	StartedAt   string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("%s (pid %d, started %s)", ErrAlreadyRunning, e.ExistingPID, e.StartedAt)
}

func (e *AlreadyRunningError) Unwrap() error { return ErrAlreadyRunning }

// Registry is the shared per-host registry, rooted at a config directory.
type Registry struct {
	store *atomicstore.Store
	log   applog.Logger
}

// New returns a Registry backed by a registry file under configDir.
func New(configDir string) *Registry {
	return &Registry{
		store: atomicstore.New(configDir),
		log:   applog.For("registry"),
	}
}

// Register performs the atomic check-and-insert: if a live entry for planID
// already exists, returns *AlreadyRunningError; otherwise appends a new
// entry (a freshly minted instance id) and returns it.
func (r *Registry) Register(ctx context.Context, planID, socketPath string) (*Entry, error) {
	var entry *Entry
	err := r.store.WithLock(ctx, registryFileName, func() error {
		doc, err := r.readLocked()
		if err != nil {
			return err
		}
		doc.Entries = sweepLocked(doc.Entries)

		for _, e := range doc.Entries {
			if e.PlanID == planID && (e.Status == StatusRunning || e.Status == StatusPaused || e.Status == StatusStopping) {
				return &AlreadyRunningError{ExistingPID: e.PID, StartedAt: e.StartedAt}
			}
		}

		now := time.Now().UTC().Format(time.RFC3339)
		newEntry := Entry{
			InstanceID:      uuid.NewString(),
			PlanID:          planID,
			PID:             os.Getpid(),
			StartedAt:       now,
			LastHeartbeatAt: now,
			Status:          StatusRunning,
			SocketPath:      socketPath,
		}
		doc.Entries = append(doc.Entries, newEntry)
		entry = &newEntry
		return r.writeLocked(doc)
	})
	if err != nil {
		var alreadyRunning *AlreadyRunningError
		if errors.As(err, &alreadyRunning) {
			return nil, alreadyRunning
		}
		return nil, err
	}
	return entry, nil
}

// Heartbeat refreshes instanceID's last_heartbeat_at.
func (r *Registry) Heartbeat(ctx context.Context, instanceID string) error {
	return r.store.WithLock(ctx, registryFileName, func() error {
		doc, err := r.readLocked()
		if err != nil {
			return err
		}
		found := false
		for i := range doc.Entries {
			if doc.Entries[i].InstanceID == instanceID {
				doc.Entries[i].LastHeartbeatAt = time.Now().UTC().Format(time.RFC3339)
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("registry: unknown instance %q", instanceID)
		}
		return r.writeLocked(doc)
	})
}

// SetStatus transitions instanceID's status (e.g. to paused/stopping).
func (r *Registry) SetStatus(ctx context.Context, instanceID string, status Status) error {
	return r.store.WithLock(ctx, registryFileName, func() error {
		doc, err := r.readLocked()
		if err != nil {
			return err
		}
		found := false
		for i := range doc.Entries {
			if doc.Entries[i].InstanceID == instanceID {
				doc.Entries[i].Status = status
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("registry: unknown instance %q", instanceID)
		}
		return r.writeLocked(doc)
	})
}

// Unregister removes instanceID's entry. Installed on every graceful exit
// path and signal handler; a SIGKILLed process instead leaves a stale entry
// for the next sweep to reap.
func (r *Registry) Unregister(ctx context.Context, instanceID string) error {
	return r.store.WithLock(ctx, registryFileName, func() error {
		doc, err := r.readLocked()
		if err != nil {
			return err
		}
		out := doc.Entries[:0]
		for _, e := range doc.Entries {
			if e.InstanceID != instanceID {
				out = append(out, e)
			}
		}
		doc.Entries = out
		return r.writeLocked(doc)
	})
}

// List returns every live entry, sweeping dead ones first.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := r.store.WithLock(ctx, registryFileName, func() error {
		doc, err := r.readLocked()
		if err != nil {
			return err
		}
		before := len(doc.Entries)
		doc.Entries = sweepLocked(doc.Entries)
		if len(doc.Entries) != before {
			if err := r.writeLocked(doc); err != nil {
				return err
			}
		}
		entries = doc.Entries
		return nil
	})
	return entries, err
}

func sweepLocked(entries []Entry) []Entry {
	now := time.Now().UTC()
	out := entries[:0]
	for _, e := range entries {
		if e.alive(now) {
			out = append(out, e)
		}
	}
	return out
}

func (r *Registry) readLocked() (*document, error) {
	raw, err := r.store.Read(registryFileName)
	if err != nil {
		if errors.Is(err, atomicstore.ErrNotFound) {
			return &document{}, nil
		}
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		// Corrupt registry is treated as empty rather than fatal: a
		// singleton guard that can never recover from a bad write would
		// wedge every future orchestrator start on this host.
		r.log.Warning().Err(err).Log("registry.corrupt_ignored")
		return &document{}, nil
	}
	return &doc, nil
}

func (r *Registry) writeLocked(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}
	_ = r.store.Backup(registryFileName)
	return r.store.Write(registryFileName, data)
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return !errors.Is(err, unix.ESRCH)
}
