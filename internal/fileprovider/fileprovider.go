// Package fileprovider implements §4.C: an object binding a Chunk
// Accountant and an Atomic File Writer into a single state machine
// (prepared -> created -> completed -> readonly) with create/write/read/
// info/validate/finish operations.
package fileprovider

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/wago/wdx-fileservice/internal/atomicfile"
	"github.com/wago/wdx-fileservice/internal/chunkacct"
	"github.com/wago/wdx-fileservice/internal/debug"
	"github.com/wago/wdx-fileservice/internal/errs"
)

// State is one of the lifecycle states from §3.
type State int

const (
	Prepared State = iota
	Created
	Completed
	Readonly
)

func (s State) String() string {
	switch s {
	case Prepared:
		return "prepared"
	case Created:
		return "created"
	case Completed:
		return "completed"
	case Readonly:
		return "readonly"
	default:
		return "unknown"
	}
}

// Validator inspects the completed upload's content and decides whether it
// is acceptable. A false return (with nil error) means the content was
// rejected; a non-nil error propagates as-is.
type Validator func(r io.Reader) (bool, error)

// FileInfo is the result of GetFileInfo.
type FileInfo struct {
	Size uint64
}

// Config configures a Provider's on-disk behavior.
type Config struct {
	FinalPath          string
	Limit              uint64 // maximum capacity accepted by Create
	Mode               os.FileMode
	UID, GID           int
	EmptyFileNotOnDisk bool
	KeepOpen           bool
}

// Provider is the concrete file provider described by §4.C. All operations
// acquire a single per-provider mutex; transitions are linearizable.
type Provider struct {
	mu    sync.Mutex
	cfg   Config
	state State

	capacity uint64
	acct     *chunkacct.Accountant
	writer   *atomicfile.Writer
	reader   *atomicfile.Reader
}

func (cfg Config) toReaderOptions() atomicfile.Options {
	return atomicfile.Options{
		FinalPath:          cfg.FinalPath,
		Mode:               cfg.Mode,
		UID:                cfg.UID,
		GID:                cfg.GID,
		EmptyFileNotOnDisk: cfg.EmptyFileNotOnDisk,
		KeepOpen:           cfg.KeepOpen,
	}
}

// NewForRead constructs a provider directly in the readonly state, reading
// from cfg.FinalPath.
func NewForRead(cfg Config) *Provider {
	return &Provider{
		cfg:    cfg,
		state:  Readonly,
		reader: atomicfile.NewReader(cfg.toReaderOptions()),
	}
}

// NewForWrite constructs a provider in the prepared state, ready to accept
// a Create call.
func NewForWrite(cfg Config) *Provider {
	return &Provider{
		cfg:   cfg,
		state: Prepared,
	}
}

// IsReadonly reports whether the provider was constructed for (or has
// transitioned to) readonly.
func (p *Provider) IsReadonly() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == Readonly
}

// Create transitions prepared -> created (or directly to completed if
// capacity == 0).
func (p *Provider) Create(capacity uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Readonly {
		return errs.LogicErrorf("create called on a readonly provider")
	}
	if p.state != Prepared {
		return errs.LogicErrorf("create called outside prepared state")
	}
	if capacity > p.cfg.Limit {
		return errs.FileSizeExceededf("capacity exceeds configured limit")
	}

	w, err := atomicfile.New(atomicfile.Options{
		FinalPath:          p.cfg.FinalPath,
		Capacity:           capacity,
		Mode:               p.cfg.Mode,
		UID:                p.cfg.UID,
		GID:                p.cfg.GID,
		EmptyFileNotOnDisk: p.cfg.EmptyFileNotOnDisk,
	})
	if err != nil {
		return err
	}

	p.writer = w
	p.capacity = capacity
	p.acct = chunkacct.New(capacity)

	if capacity == 0 {
		p.state = Completed
	} else {
		p.state = Created
	}

	debug.Log("provider %v: created, capacity=%d, state=%v", p.cfg.FinalPath, capacity, p.state)
	return nil
}

// Write records a chunk in the accountant after a successful underlying
// write. Only legal in the created state.
func (p *Provider) Write(offset uint64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Created {
		return errs.LogicErrorf("write outside created state")
	}

	if err := p.writer.Write(offset, data); err != nil {
		return err
	}
	return p.acct.AddChunk(offset, uint64(len(data)))
}

// Read is legal in created, completed, and readonly. In non-readonly
// states it reads the temp file; in readonly it reads the final file.
func (p *Provider) Read(offset uint64, length int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case Created, Completed:
		return p.writer.ReadTemp(offset, length)
	case Readonly:
		return p.reader.Read(offset, length)
	default:
		return nil, errs.LogicErrorf("read outside created/completed/readonly state")
	}
}

// GetFileInfo reports the current size: 0 in prepared, temp file size in
// created/completed, final file size in readonly.
func (p *Provider) GetFileInfo() (FileInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case Prepared:
		return FileInfo{Size: 0}, nil
	case Created, Completed:
		size, err := p.writer.Size()
		if err != nil {
			return FileInfo{}, err
		}
		return FileInfo{Size: size}, nil
	case Readonly:
		size, err := p.reader.Size()
		if err != nil {
			return FileInfo{}, err
		}
		return FileInfo{Size: size}, nil
	default:
		return FileInfo{}, errs.LogicErrorf("unknown state")
	}
}

// IsComplete reports completion. In created, it delegates to the
// accountant and transitions to completed on success.
func (p *Provider) IsComplete() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case Prepared:
		return false, nil
	case Completed, Readonly:
		return true, nil
	case Created:
		if p.acct.FileCompleted() {
			p.state = Completed
			debug.Log("provider %v: completed", p.cfg.FinalPath)
			return true, nil
		}
		return false, nil
	default:
		return false, errs.LogicErrorf("unknown state")
	}
}

// Validate requires the completed state. Zero-capacity providers with the
// empty-file policy short-circuit to OK. Otherwise the validator is handed
// a read-only stream over the temp file's content.
func (p *Provider) Validate(v Validator) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Completed {
		return errs.LogicErrorf("validate outside completed state")
	}

	if p.cfg.EmptyFileNotOnDisk && p.capacity == 0 {
		return nil
	}

	data, err := p.writer.ReadTemp(0, int(p.capacity))
	if err != nil {
		return err
	}

	ok, err := v(bytes.NewReader(data))
	if err != nil {
		return err
	}
	if !ok {
		return errs.InvalidValuef("validator rejected upload content")
	}
	return nil
}

// Finish requires the completed state (the caller must have already run
// IsComplete/Validate, per §4.E). It publishes the temp file and
// transitions to readonly.
func (p *Provider) Finish() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Completed {
		return errs.InvalidValuef("finish called before upload was completed and validated")
	}

	if err := p.writer.Store(); err != nil {
		return err
	}

	p.state = Readonly
	p.reader = atomicfile.NewReader(p.cfg.toReaderOptions())
	debug.Log("provider %v: finished, now readonly", p.cfg.FinalPath)
	return nil
}

// State returns the provider's current lifecycle state, mainly for tests
// and diagnostics.
func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Close releases any open descriptors without publishing. Safe to call on
// a provider in any state.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.writer != nil && p.state != Readonly {
		err = p.writer.Close()
	}
	if p.reader != nil {
		if rerr := p.reader.Close(); err == nil {
			err = rerr
		}
	}
	return err
}
