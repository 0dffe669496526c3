// Package fileparam implements §4.E: the handler mediating between one
// parameter ID and up to two concurrent File Providers (one readonly/
// published, one writable/pending), with a swap-on-success rule.
package fileparam

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wago/wdx-fileservice/internal/debug"
	"github.com/wago/wdx-fileservice/internal/errs"
	"github.com/wago/wdx-fileservice/internal/fileprovider"
	"github.com/wago/wdx-fileservice/internal/future"
)

// GenerateFileID returns an opaque, globally unique file-ID. Production
// Backend implementations use this to name a freshly registered provider;
// it is exported here since every Backend needs the same collision-free
// property and there is no reason for each one to reimplement it.
func GenerateFileID() string {
	return uuid.NewString()
}

// Backend is the out-of-scope collaborator that assigns opaque file-IDs to
// registered providers.
type Backend interface {
	Register(ctx context.Context, p *fileprovider.Provider) (fileID string, err error)
	Unregister(fileID string)
}

// Factory creates a new provider, readonly or writable, bound to this
// handler's parameter.
type Factory func(readonly bool) *fileprovider.Provider

// Handler owns the read and write provider slots for one parameter ID.
type Handler struct {
	factory Factory
	backend Backend

	// Locking order is always write -> read, per §4.E.
	writeMu sync.Mutex
	readMu  sync.Mutex

	readProvider *fileprovider.Provider
	readFileID   string
	readReady    *future.Future[string]

	writeProvider *fileprovider.Provider
	writeFileID   string
}

// New constructs a Handler, immediately instantiating a readonly provider
// and asynchronously registering it with backend.
func New(factory Factory, backend Backend) *Handler {
	h := &Handler{factory: factory, backend: backend}

	readProvider := factory(true)
	h.readProvider = readProvider

	promise, fut := future.New[string]()
	h.readReady = fut

	go func() {
		id, err := backend.Register(context.Background(), readProvider)
		if err != nil {
			promise.Reject(err)
			return
		}
		h.readMu.Lock()
		h.readFileID = id
		h.readMu.Unlock()
		promise.Resolve(id)
	}()

	return h
}

// GetFileID returns the current read file-ID, blocking on the in-flight
// registration if it has not resolved yet. A registration failure is
// latched and returned on every subsequent call.
func (h *Handler) GetFileID() (string, error) {
	if _, err := h.readReady.Get(); err != nil {
		return "", err
	}
	h.readMu.Lock()
	defer h.readMu.Unlock()
	return h.readFileID, nil
}

// CreateFileIDForWrite unregisters any prior write provider, creates a new
// writable provider via the factory, registers it, and returns the new
// write file-ID. Concurrent callers serialize on the write mutex.
func (h *Handler) CreateFileIDForWrite(ctx context.Context) (string, error) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if h.writeProvider != nil {
		h.backend.Unregister(h.writeFileID)
		_ = h.writeProvider.Close()
		h.writeProvider = nil
		h.writeFileID = ""
	}

	p := h.factory(false)
	id, err := h.backend.Register(ctx, p)
	if err != nil {
		_ = p.Close()
		return "", err
	}

	h.writeProvider = p
	h.writeFileID = id
	debug.Log("fileparam: created write file-id %v", id)
	return id, nil
}

// RemoveFileIDForWrite unregisters the active write provider. id must
// match the current write file-ID.
func (h *Handler) RemoveFileIDForWrite(id string) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if h.writeProvider == nil || id != h.writeFileID {
		return errs.FileIDMismatchf("remove target does not match the active write file-id")
	}

	h.backend.Unregister(h.writeFileID)
	_ = h.writeProvider.Close()
	h.writeProvider = nil
	h.writeFileID = ""
	return nil
}

// SetFileID performs the swap: id must equal the active write file-ID.
// Runs IsComplete, Validate, Finish on the write provider in order. On any
// failure both slots are left unchanged. On success, the current read
// provider is unregistered, the write provider becomes the new read
// provider, and the write slot is cleared.
func (h *Handler) SetFileID(id string, validator fileprovider.Validator) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if h.writeProvider == nil || id != h.writeFileID {
		return errs.FileIDMismatchf("finish target does not match the active write file-id")
	}

	p := h.writeProvider

	complete, err := p.IsComplete()
	if err != nil {
		return err
	}
	if !complete {
		return errs.InvalidValuef("upload is not complete")
	}

	if err := p.Validate(validator); err != nil {
		return err
	}

	if err := p.Finish(); err != nil {
		return err
	}

	h.readMu.Lock()
	oldReadProvider := h.readProvider
	oldReadFileID := h.readFileID
	h.readProvider = p
	h.readFileID = id
	h.readMu.Unlock()

	if oldReadFileID != "" {
		h.backend.Unregister(oldReadFileID)
	}
	_ = oldReadProvider.Close()

	h.writeProvider = nil
	h.writeFileID = ""

	debug.Log("fileparam: swapped write %v into read slot", id)
	return nil
}

// SetFileIDAsync dispatches SetFileID onto a short-lived worker goroutine
// and returns immediately with a Future that resolves once IsComplete,
// Validate and Finish have all run. Callers that would otherwise hold a
// request's phase lock across a long-running Validate should use this
// instead of the blocking SetFileID.
func (h *Handler) SetFileIDAsync(id string, validator fileprovider.Validator) *future.Future[struct{}] {
	promise, fut := future.New[struct{}]()

	var g errgroup.Group
	g.Go(func() error {
		if err := h.SetFileID(id, validator); err != nil {
			promise.Reject(err)
			return err
		}
		promise.Resolve(struct{}{})
		return nil
	})

	return fut
}

// Close unregisters both providers under both locks. Never returns an
// error to the caller: §4.E requires destruction not to throw.
func (h *Handler) Close() {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.readMu.Lock()
	defer h.readMu.Unlock()

	if h.writeProvider != nil {
		h.backend.Unregister(h.writeFileID)
		_ = h.writeProvider.Close()
		h.writeProvider = nil
		h.writeFileID = ""
	}
	if h.readProvider != nil {
		if h.readFileID != "" {
			h.backend.Unregister(h.readFileID)
		}
		_ = h.readProvider.Close()
		h.readProvider = nil
	}
}

// ReadProvider returns the current read provider and its file-ID, for use
// by a request handler serving a download. Safe for concurrent use with
// SetFileID: the read slot is always read under readMu.
func (h *Handler) ReadProvider() (*fileprovider.Provider, string) {
	h.readMu.Lock()
	defer h.readMu.Unlock()
	return h.readProvider, h.readFileID
}

// WriteProvider returns the current write provider and its file-ID, if
// any.
func (h *Handler) WriteProvider() (*fileprovider.Provider, string) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.writeProvider, h.writeFileID
}
