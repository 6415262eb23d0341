// Package archive keeps a copy of uploaded artifacts on disk.
//
// Each entry is one CBOR envelope file named <ulid>.cbor, so a directory
// listing is in arrival order. The payload may be compressed with zstd or
// LZ4. Whether a run is archived at all is decided by Policy.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/hazyhaar/intake/horosafe"
	"github.com/hazyhaar/intake/idgen"
)

// Policy decides which runs are archived.
type Policy string

const (
	PolicyNever  Policy = "never"
	PolicyFailed Policy = "failed"
	PolicyAlways Policy = "always"
)

// ParsePolicy accepts "", "never", "failed" and "always". Empty means never.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyNever:
		return PolicyNever, nil
	case PolicyFailed, PolicyAlways:
		return Policy(s), nil
	}
	return "", fmt.Errorf("archive: unknown policy %q", s)
}

// Applies reports whether a run with the given outcome is archived.
func (p Policy) Applies(failed bool) bool {
	return p == PolicyAlways || (p == PolicyFailed && failed)
}

const ext = ".cbor"

// Entry is the archived envelope. Payload always holds the original bytes
// on the Go side; it is compressed only on disk.
type Entry struct {
	Name           string      `cbor:"name"`
	ContentType    string      `cbor:"content_type,omitempty"`
	ClientID       string      `cbor:"client_id"`
	RunID          string      `cbor:"run_id,omitempty"`
	IdempotencyKey string      `cbor:"idempotency_key"`
	Format         string      `cbor:"format,omitempty"`
	State          string      `cbor:"state"`
	Compression    Compression `cbor:"compression"`
	Size           int         `cbor:"size"`
	Payload        []byte      `cbor:"payload"`
	ArchivedAt     time.Time   `cbor:"archived_at"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	if encMode, err = opts.EncMode(); err != nil {
		panic("archive: cbor encoder: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("archive: cbor decoder: " + err.Error())
	}
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator sets the entry name generator. Default: idgen.ULID().
func WithIDGenerator(gen idgen.Generator) Option { return func(s *Store) { s.newID = gen } }

// WithClock sets the time source for ArchivedAt.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// Store writes and reads entries under one directory.
type Store struct {
	dir         string
	compression Compression
	newID       idgen.Generator
	now         func() time.Time
}

// New creates dir if needed.
func New(dir string, compression Compression, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive: dir is required")
	}
	if _, err := ParseCompression(string(compression)); err != nil {
		return nil, err
	}
	if compression == "" {
		compression = CompressionNone
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("archive: create dir: %w", err)
	}
	s := &Store{dir: dir, compression: compression, newID: idgen.ULID(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Put archives e and returns the file name of the entry. The file appears
// atomically.
func (s *Store) Put(ctx context.Context, e Entry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	payload, used, err := compress(e.Payload, s.compression)
	if err != nil {
		return "", err
	}
	e.Size = len(e.Payload)
	e.Payload = payload
	e.Compression = used
	e.ArchivedAt = s.now().UTC()

	data, err := encMode.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("archive: encode: %w", err)
	}

	name := s.newID() + ext
	path, err := horosafe.SafePath(s.dir, name)
	if err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".put-*")
	if err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("archive: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("archive: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("archive: %w", err)
	}
	return name, nil
}

// Get reads an entry by file name and returns it with the payload
// decompressed.
func (s *Store) Get(name string) (*Entry, error) {
	if !strings.HasSuffix(name, ext) || horosafe.ValidateIdentifier(name) != nil {
		return nil, fmt.Errorf("archive: %q is not an entry name", name)
	}
	path, err := horosafe.SafePath(s.dir, name)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	var e Entry
	if err := decMode.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("archive: decode %s: %w", name, err)
	}
	if e.Payload, err = decompress(e.Payload, e.Compression, e.Size); err != nil {
		return nil, fmt.Errorf("%w (entry %s)", err, name)
	}
	return &e, nil
}

// List returns entry names in arrival order.
func (s *Store) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+ext))
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = filepath.Base(m)
	}
	sort.Strings(names)
	return names, nil
}
