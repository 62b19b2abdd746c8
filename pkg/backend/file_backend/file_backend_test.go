package file_backend

import (
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, quota int64) *FileBackend {
	t.Helper()
	b, err := NewFileBackend(FileBackendOpts{FS: memfs.New(), QuotaBytes: quota})
	require.NoError(t, err)
	return b
}

func TestNewFileBackend_nilFS(t *testing.T) {
	_, err := NewFileBackend(FileBackendOpts{})
	require.Error(t, err)
}

func TestFileBackend_rw(t *testing.T) {
	b := newTestBackend(t, 0)

	require.True(t, b.Write("lp:articles:1", []byte(`{"a":1}`)))
	require.True(t, b.Write("lp:articles:2", []byte(`{"a":2}`)))
	require.True(t, b.Write("lp:settings:theme", []byte(`"dark"`)))

	v, ok := b.Read("lp:articles:1")
	require.True(t, ok)
	assert.Equal(t, `{"a":1}`, string(v))

	_, ok = b.Read("missing")
	assert.False(t, ok)

	keys := b.ListKeys("lp:articles:")
	sort.Strings(keys)
	assert.Equal(t, []string{"lp:articles:1", "lp:articles:2"}, keys)

	b.Clear("lp:articles:")
	assert.Empty(t, b.ListKeys("lp:articles:"))
	_, ok = b.Read("lp:settings:theme")
	assert.True(t, ok)

	b.Remove("lp:settings:theme")
	b.Remove("lp:settings:theme")
	assert.Empty(t, b.ListKeys(""))
}

func TestFileBackend_overwrite(t *testing.T) {
	b := newTestBackend(t, 0)
	require.True(t, b.Write("k", []byte("1")))
	require.True(t, b.Write("k", []byte("2")))
	v, ok := b.Read("k")
	require.True(t, ok)
	assert.Equal(t, "2", string(v))
	assert.Len(t, b.ListKeys(""), 1)
}

func TestFileBackend_keysWithSlashes(t *testing.T) {
	b := newTestBackend(t, 0)
	key := "lp:drafts:../../etc/passwd"
	require.True(t, b.Write(key, []byte("x")))
	assert.Equal(t, []string{key}, b.ListKeys("lp:drafts:"))
}

func TestFileBackend_ignoresForeignFiles(t *testing.T) {
	fs := memfs.New()
	b, err := NewFileBackend(FileBackendOpts{FS: fs})
	require.NoError(t, err)

	require.NoError(t, util.WriteFile(fs, "records/notes.txt", []byte("x"), 0o644))
	require.NoError(t, util.WriteFile(fs, "records/.tmp-1-1", []byte("x"), 0o644))
	require.True(t, b.Write("k", []byte("v")))
	assert.Equal(t, []string{"k"}, b.ListKeys(""))
}

func TestFileBackend_quota(t *testing.T) {
	b := newTestBackend(t, 8)
	require.True(t, b.Write("a", []byte("12345")))
	assert.False(t, b.Write("b", []byte("12345")))
	_, ok := b.Read("b")
	assert.False(t, ok)

	// Replacing a record only counts the new size.
	require.True(t, b.Write("a", []byte("12345678")))
}

func TestFileBackend_disabled(t *testing.T) {
	b := newTestBackend(t, 0)
	require.True(t, b.Write("k", []byte("v")))
	b.SetDisabled(true)
	assert.False(t, b.Write("k", []byte("v2")))
	_, ok := b.Read("k")
	assert.False(t, ok)
	assert.Nil(t, b.ListKeys(""))

	b.SetDisabled(false)
	v, ok := b.Read("k")
	require.True(t, ok)
	assert.Equal(t, "v", string(v))

	require.NoError(t, b.Close())
	assert.False(t, b.Write("k", []byte("v")))
}

func newTrackingBackend(t *testing.T) *FileBackend {
	t.Helper()
	b, err := NewFileBackend(FileBackendOpts{FS: memfs.New(), TrackOwnWrites: true})
	require.NoError(t, err)
	return b
}

func TestFileBackend_isOwn(t *testing.T) {
	b := newTrackingBackend(t)
	assert.False(t, b.IsOwn("k", []byte("v"), true))

	require.True(t, b.Write("k", []byte("v")))
	assert.True(t, b.IsOwn("k", []byte("v"), true))
	assert.False(t, b.IsOwn("k", []byte("v"), true), "checked operations are forgotten")

	require.True(t, b.Write("k", []byte("v")))
	assert.False(t, b.IsOwn("k", []byte("other"), true))

	require.True(t, b.Write("k", []byte("v")))
	assert.False(t, b.IsOwn("k", nil, false))

	b.Remove("k")
	assert.True(t, b.IsOwn("k", nil, false))

	untracked := newTestBackend(t, 0)
	require.True(t, untracked.Write("k", []byte("v")))
	assert.False(t, untracked.IsOwn("k", []byte("v"), true))
	assert.Empty(t, untracked.own)
}

func TestFileBackend_ownWritesBounded(t *testing.T) {
	b := newTrackingBackend(t)
	for i := 0; i < 1000; i++ {
		b.Remove("lp:articles:absent-" + strconv.Itoa(i))
	}
	assert.Empty(t, b.own, "removing absent keys records nothing")

	for i := 0; i < maxOwnWrites+10; i++ {
		require.True(t, b.Write("lp:k"+strconv.Itoa(i), []byte("v")))
	}
	assert.LessOrEqual(t, len(b.own), maxOwnWrites)
}

func TestFileBackend_longKeys(t *testing.T) {
	b := newTrackingBackend(t)
	long := "lp:articles:" + strings.Repeat("very-long-article-slug-", 20)
	name, hashed := encodeName(long)
	require.True(t, hashed)
	assert.LessOrEqual(t, len(name), 255)

	require.True(t, b.Write(long, []byte("body")))
	require.True(t, b.Write("lp:articles:short", []byte("s")))
	v, ok := b.Read(long)
	require.True(t, ok)
	assert.Equal(t, "body", string(v))

	keys := b.ListKeys("lp:articles:")
	sort.Strings(keys)
	assert.Equal(t, []string{long, "lp:articles:short"}, keys)

	k, ok := b.KeyFromName("/data/records/" + name)
	require.True(t, ok)
	assert.Equal(t, long, k)

	// Another long key never reads a foreign record.
	_, ok = b.Read(long + "x")
	assert.False(t, ok)

	b.Remove(long)
	_, ok = b.Read(long)
	assert.False(t, ok)
	// The removal still resolves to its key once.
	k, ok = b.KeyFromName(name)
	require.True(t, ok)
	assert.Equal(t, long, k)
	_, ok = b.KeyFromName(name)
	assert.False(t, ok)
}

func TestUnpackKey(t *testing.T) {
	k, v, ok := unpackKey(packKey("a:b", []byte("12:x")))
	require.True(t, ok)
	assert.Equal(t, "a:b", k)
	assert.Equal(t, "12:x", string(v))

	for _, bad := range []string{"", ":x", "x:abc", "9:abc", "-1:abc"} {
		_, _, ok := unpackKey([]byte(bad))
		assert.False(t, ok, bad)
	}
}

func TestFileBackend_keyFromName(t *testing.T) {
	b := newTestBackend(t, 0)
	name, _ := encodeName("lp:x")
	k, ok := b.KeyFromName("/var/lib/lpcache/records/" + name)
	require.True(t, ok)
	assert.Equal(t, "lp:x", k)

	_, ok = b.KeyFromName("records/.tmp-1-2")
	assert.False(t, ok)
	_, ok = b.KeyFromName("records/!!!.rec")
	assert.False(t, ok)
}

func TestFileBackend_durable(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(FileBackendOpts{FS: osfs.New(dir)})
	require.NoError(t, err)
	require.True(t, b.Write("k", []byte("v")))
	require.NoError(t, b.Close())

	// A new process sees the record.
	b2, err := NewFileBackend(FileBackendOpts{FS: osfs.New(dir)})
	require.NoError(t, err)
	v, ok := b2.Read("k")
	require.True(t, ok)
	assert.Equal(t, "v", string(v))
}
