package file_backend

import (
	"bytes"
	"encoding/base64"
	"errors"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"go.uber.org/zap"

	"github.com/pmkol/lpcache/pkg/backend"
	"github.com/pmkol/lpcache/pkg/utils"
)

const (
	recordExt       = ".rec"
	tmpPrefix       = ".tmp-"
	hashedPrefix    = "~"
	defaultDir      = "records"
	defaultFileMode = 0o644

	// maxEncodedName keeps record names under the usual 255 byte NAME_MAX.
	// Longer keys are stored under a hashed name.
	maxEncodedName = 200

	maxOwnWrites = 4096
)

var nopLogger = zap.NewNop()

type FileBackendOpts struct {
	// FS cannot be nil. Use osfs for a durable store, memfs in tests.
	FS billy.Filesystem

	// Dir is the directory inside FS that holds the records.
	// Default is "records".
	Dir string

	// QuotaBytes limits the total size of all record files.
	// Zero means no limit.
	QuotaBytes int64

	// TrackOwnWrites remembers what this process wrote so IsOwn can tell
	// local changes from external ones, and the keys behind hashed names
	// so KeyFromName resolves removals. Enable it when a change bridge
	// watches the directory.
	TrackOwnWrites bool

	// Logger is the *zap.Logger for this FileBackend.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *FileBackendOpts) Init() error {
	if opts.FS == nil {
		return errors.New("nil filesystem")
	}
	utils.SetDefaultString(&opts.Dir, defaultDir)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// FileBackend is a durable backend that stores one file per raw key.
type FileBackend struct {
	opts     FileBackendOpts
	closed   uint32
	disabled uint32
	tmpSeq   uint64

	m   sync.Mutex
	own map[string]ownWrite

	// hashed maps hashed record names to their raw keys, so KeyFromName
	// still resolves a record after its file is gone.
	hm     sync.Mutex
	hashed map[string]string
}

// ownWrite is what this process last did to a key.
type ownWrite struct {
	digest  uint64
	removed bool
}

var _ backend.Backend = (*FileBackend)(nil)

func NewFileBackend(opts FileBackendOpts) (*FileBackend, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	if err := opts.FS.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{
		opts:   opts,
		own:    make(map[string]ownWrite),
		hashed: make(map[string]string),
	}, nil
}

func (b *FileBackend) unavailable() bool {
	return atomic.LoadUint32(&b.closed) != 0 || atomic.LoadUint32(&b.disabled) != 0
}

// SetDisabled simulates an environment that denies access to the store.
func (b *FileBackend) SetDisabled(v bool) {
	var u uint32
	if v {
		u = 1
	}
	atomic.StoreUint32(&b.disabled, u)
}

// encodeName returns the file name of rawKey. hashed names do not carry
// the key, the record file does.
func encodeName(rawKey string) (name string, hashed bool) {
	n := base64.RawURLEncoding.EncodeToString([]byte(rawKey))
	if len(n) <= maxEncodedName {
		return n + recordExt, false
	}
	return hashedPrefix + strconv.FormatUint(xxhash.Sum64String(rawKey), 16) + recordExt, true
}

// packKey prefixes v with rawKey as "<len>:<key>".
func packKey(rawKey string, v []byte) []byte {
	h := strconv.Itoa(len(rawKey)) + ":" + rawKey
	out := make([]byte, 0, len(h)+len(v))
	return append(append(out, h...), v...)
}

func unpackKey(data []byte) (rawKey string, v []byte, ok bool) {
	i := bytes.IndexByte(data, ':')
	if i <= 0 {
		return "", nil, false
	}
	n, err := strconv.Atoi(string(data[:i]))
	if err != nil || n < 0 || i+1+n > len(data) {
		return "", nil, false
	}
	return string(data[i+1 : i+1+n]), data[i+1+n:], true
}

// KeyFromName returns the raw key of the record file name.
// name may be a full path. ok is false for files that are not records.
func (b *FileBackend) KeyFromName(name string) (rawKey string, ok bool) {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if strings.HasPrefix(base, tmpPrefix) || !strings.HasSuffix(base, recordExt) {
		return "", false
	}
	if strings.HasPrefix(base, hashedPrefix) {
		return b.hashedKey(base)
	}
	k, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(base, recordExt))
	if err != nil {
		return "", false
	}
	return string(k), true
}

// hashedKey reads the key stored in a hashed record. If the file is gone
// the last known key is returned once.
func (b *FileBackend) hashedKey(base string) (string, bool) {
	data, err := util.ReadFile(b.opts.FS, b.opts.FS.Join(b.opts.Dir, base))
	if err == nil {
		if k, _, ok := unpackKey(data); ok {
			b.rememberHashed(base, k)
			return k, true
		}
		return "", false
	}
	b.hm.Lock()
	defer b.hm.Unlock()
	k, ok := b.hashed[base]
	delete(b.hashed, base)
	return k, ok
}

func (b *FileBackend) rememberHashed(base, rawKey string) {
	if !b.opts.TrackOwnWrites {
		return
	}
	b.hm.Lock()
	defer b.hm.Unlock()
	if _, ok := b.hashed[base]; !ok && len(b.hashed) >= maxOwnWrites {
		clear(b.hashed)
	}
	b.hashed[base] = rawKey
}

// Root returns the OS path of the record directory. It is only meaningful
// for OS backed filesystems.
func (b *FileBackend) Root() string {
	return b.opts.FS.Join(b.opts.FS.Root(), b.opts.Dir)
}

func (b *FileBackend) recordPath(rawKey string) (p string, hashed bool) {
	name, hashed := encodeName(rawKey)
	return b.opts.FS.Join(b.opts.Dir, name), hashed
}

// recordOwnLocked remembers this process' last operation on rawKey.
func (b *FileBackend) recordOwnLocked(rawKey string, w ownWrite) {
	if !b.opts.TrackOwnWrites {
		return
	}
	if _, ok := b.own[rawKey]; !ok && len(b.own) >= maxOwnWrites {
		// Entries nobody observed. Dropping them only makes some local
		// writes look external.
		b.opts.Logger.Debug("own write table is full, resetting", zap.Int("size", len(b.own)))
		clear(b.own)
	}
	b.own[rawKey] = w
}

func (b *FileBackend) Write(rawKey string, rawValue []byte) bool {
	if b.unavailable() {
		return false
	}

	b.m.Lock()
	defer b.m.Unlock()

	p, hashed := b.recordPath(rawKey)
	data := rawValue
	if hashed {
		data = packKey(rawKey, rawValue)
	}
	if q := b.opts.QuotaBytes; q > 0 {
		used := b.usedBytes()
		if fi, err := b.opts.FS.Stat(p); err == nil {
			used -= fi.Size()
		}
		if used+int64(len(data)) > q {
			b.opts.Logger.Debug("quota exceeded", zap.String("key", rawKey), zap.Int64("used", used))
			return false
		}
	}

	tmp := b.opts.FS.Join(b.opts.Dir, tmpPrefix+strconv.Itoa(os.Getpid())+"-"+strconv.FormatUint(atomic.AddUint64(&b.tmpSeq, 1), 10))
	if err := util.WriteFile(b.opts.FS, tmp, data, defaultFileMode); err != nil {
		b.opts.Logger.Debug("write tmp record", zap.String("key", rawKey), zap.Error(err))
		_ = b.opts.FS.Remove(tmp)
		return false
	}
	if err := b.opts.FS.Rename(tmp, p); err != nil {
		b.opts.Logger.Debug("rename record", zap.String("key", rawKey), zap.Error(err))
		_ = b.opts.FS.Remove(tmp)
		return false
	}
	if hashed {
		name, _ := encodeName(rawKey)
		b.rememberHashed(name, rawKey)
	}
	b.recordOwnLocked(rawKey, ownWrite{digest: xxhash.Sum64(rawValue)})
	return true
}

func (b *FileBackend) usedBytes() int64 {
	infos, err := b.opts.FS.ReadDir(b.opts.Dir)
	if err != nil {
		return 0
	}
	var n int64
	for _, fi := range infos {
		if !fi.IsDir() && strings.HasSuffix(fi.Name(), recordExt) {
			n += fi.Size()
		}
	}
	return n
}

func (b *FileBackend) Read(rawKey string) ([]byte, bool) {
	if b.unavailable() {
		return nil, false
	}

	p, hashed := b.recordPath(rawKey)
	v, err := util.ReadFile(b.opts.FS, p)
	if err != nil {
		if !os.IsNotExist(err) {
			b.opts.Logger.Debug("read record", zap.String("key", rawKey), zap.Error(err))
		}
		return nil, false
	}
	if hashed {
		k, rv, ok := unpackKey(v)
		if !ok || k != rawKey {
			b.opts.Logger.Debug("hashed record holds another key", zap.String("key", rawKey))
			return nil, false
		}
		return rv, true
	}
	return v, true
}

func (b *FileBackend) Remove(rawKey string) {
	if b.unavailable() {
		return
	}

	b.m.Lock()
	defer b.m.Unlock()
	b.removeLocked(rawKey)
}

func (b *FileBackend) removeLocked(rawKey string) {
	p, hashed := b.recordPath(rawKey)
	if hashed {
		data, err := util.ReadFile(b.opts.FS, p)
		if err != nil {
			return
		}
		if k, _, ok := unpackKey(data); ok && k != rawKey {
			return
		}
	}
	if err := b.opts.FS.Remove(p); err != nil {
		if !os.IsNotExist(err) {
			b.opts.Logger.Debug("remove record", zap.String("key", rawKey), zap.Error(err))
		}
		return
	}
	b.recordOwnLocked(rawKey, ownWrite{removed: true})
}

func (b *FileBackend) ListKeys(prefix string) []string {
	if b.unavailable() {
		return nil
	}

	infos, err := b.opts.FS.ReadDir(b.opts.Dir)
	if err != nil {
		b.opts.Logger.Debug("list records", zap.Error(err))
		return nil
	}
	keys := make([]string, 0, len(infos))
	for _, fi := range infos {
		if fi.IsDir() {
			continue
		}
		k, ok := b.KeyFromName(fi.Name())
		if ok && strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (b *FileBackend) Clear(prefix string) {
	if b.unavailable() {
		return
	}

	keys := b.ListKeys(prefix)
	b.m.Lock()
	defer b.m.Unlock()
	for _, k := range keys {
		b.removeLocked(k)
	}
}

// IsOwn reports whether the current state of rawKey (rawValue, or absent
// if present is false) is the result of this process' last operation on
// it. The operation is forgotten once it has been checked. It is always
// false without TrackOwnWrites.
func (b *FileBackend) IsOwn(rawKey string, rawValue []byte, present bool) bool {
	b.m.Lock()
	w, ok := b.own[rawKey]
	delete(b.own, rawKey)
	b.m.Unlock()
	if !ok {
		return false
	}
	if !present {
		return w.removed
	}
	return !w.removed && w.digest == xxhash.Sum64(rawValue)
}

func (b *FileBackend) Kind() backend.Kind {
	return backend.Durable
}

// Close disables the backend. Records stay on disk.
func (b *FileBackend) Close() error {
	atomic.StoreUint32(&b.closed, 1)
	return nil
}
