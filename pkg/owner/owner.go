// Package owner holds the narrow interfaces the upload core consumes from the
// surrounding account machinery: credential checks, storage root resolution
// and change notification. The default implementations are deliberately small;
// a fuller deployment swaps its own in.
package owner

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"nexusfs/pkg/log"
)

// ErrUnknownCredential is returned when a credential maps to no owner.
var ErrUnknownCredential = errors.New("unknown credential")

// Authenticator resolves an upload credential to an owner id.
type Authenticator interface {
	Authenticate(credential string) (string, error)
}

// RootResolver maps an owner id to the root of their storage tree.
type RootResolver interface {
	Resolve(ownerID string) (string, error)
}

// Notifier receives fire-and-forget change events. Failures are ignored by
// callers, so implementations must not block.
type Notifier interface {
	OwnerChanged(ownerID string)
}

// FileAuthenticator resolves credentials from a JSON file mapping
// credential -> owner id.
type FileAuthenticator struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewFileAuthenticator loads the credential map from path. A missing file
// yields an authenticator that rejects everything.
func NewFileAuthenticator(path string) (*FileAuthenticator, error) {
	auth := &FileAuthenticator{entries: make(map[string]string)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Warn().Str("path", path).Msg("Owner credential file missing, all uploads will be rejected")
		return auth, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, &auth.entries); err != nil {
		return nil, fmt.Errorf("failed to parse owner credentials %s: %w", path, err)
	}
	log.Info().Int("owners", len(auth.entries)).Msg("Loaded owner credentials")
	return auth, nil
}

// Authenticate returns the owner id for a credential.
func (a *FileAuthenticator) Authenticate(credential string) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ownerID, ok := a.entries[credential]
	if !ok || credential == "" {
		return "", ErrUnknownCredential
	}
	return ownerID, nil
}

// DirResolver places each owner's files in a subdirectory of a common base.
type DirResolver struct {
	Base string
}

// Resolve returns the owner's storage root, creating it if needed.
func (r *DirResolver) Resolve(ownerID string) (string, error) {
	dir := filepath.Join(r.Base, ownerID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	return dir, nil
}

// LogNotifier records change events in the log and nothing else.
type LogNotifier struct{}

// OwnerChanged logs the event.
func (LogNotifier) OwnerChanged(ownerID string) {
	log.Debug().Str("owner", ownerID).Msg("Owner storage changed")
}
