package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type article struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestCodec_roundTrip(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	for _, tr := range []Transform{Base64{}, Identity{}, Snappy{}} {
		t.Run(tr.Name(), func(t *testing.T) {
			c := NewCodec(CodecOpts{Transform: tr, Now: fixedClock(now)})
			raw, err := EncodeValue(c, article{ID: 1, Title: "hello"}, now.Add(time.Minute))
			require.NoError(t, err)

			got := Decode(c, raw, article{})
			assert.Equal(t, article{ID: 1, Title: "hello"}, got)

			h, ok := c.Header(raw)
			require.True(t, ok)
			assert.Equal(t, now.UnixMilli(), h.StoredAt)
			assert.Equal(t, now.Add(time.Minute).UnixMilli(), h.ExpiresAt)
			assert.Equal(t, SchemaVersion, h.SchemaVersion)
		})
	}
}

func TestCodec_noExpiry(t *testing.T) {
	c := NewCodec(CodecOpts{Transform: Identity{}})
	raw, err := EncodeValue(c, "v", time.Time{})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"e"`)

	e, ok := c.Open(raw)
	require.True(t, ok)
	assert.Zero(t, e.ExpiresAt)
	assert.False(t, e.Expired(time.Now().Add(100*365*24*time.Hour)))
}

func TestCodec_expired(t *testing.T) {
	now := time.Now()
	c := NewCodec(CodecOpts{Now: fixedClock(now)})
	raw, err := EncodeValue(c, 42, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 42, Decode(c, raw, -1))

	later := NewCodec(CodecOpts{Now: fixedClock(now.Add(time.Second))})
	assert.Equal(t, -1, Decode(later, raw, -1))

	// Header does not judge expiry.
	h, ok := later.Header(raw)
	require.True(t, ok)
	assert.True(t, h.Expired(now.Add(time.Second)))
	assert.False(t, h.Expired(now))
}

func TestDecode_neverPanics(t *testing.T) {
	c := NewCodec(CodecOpts{})
	good, err := EncodeValue(c, article{ID: 7}, time.Time{})
	require.NoError(t, err)

	plain := NewCodec(CodecOpts{Transform: Identity{}})
	wrongVersion, err := json.Marshal(Envelope{Payload: json.RawMessage(`1`), StoredAt: 1, SchemaVersion: "0"})
	require.NoError(t, err)
	wrongVersionB64, err := Base64{}.Apply(wrongVersion)
	require.NoError(t, err)
	snappyRaw, err := Snappy{}.Apply([]byte(`{"p":1,"s":1,"v":"1"}`))
	require.NoError(t, err)
	identityRaw, err := EncodeValue(plain, article{ID: 7}, time.Time{})
	require.NoError(t, err)

	def := article{ID: -1}
	malformed := map[string][]byte{
		"nil":               nil,
		"empty":             {},
		"truncated":         good[:len(good)/2],
		"truncated by one":  good[:len(good)-1],
		"not base64":        []byte("%%%not base64%%%"),
		"wrong version":     wrongVersionB64,
		"wrong transform 1": snappyRaw,
		"wrong transform 2": identityRaw,
		"json array":        []byte("WzEsMiwzXQ=="), // [1,2,3]
		"json null":         []byte("bnVsbA=="),     // null
		"no payload":        []byte("eyJzIjoxLCJ2IjoiMSJ9"),
		"payload mismatch":  mustEncode(t, c, "not an article"),
		"binary":            {0x00, 0xff, 0xfe, 0x01},
	}
	for name, raw := range malformed {
		t.Run(name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.Equal(t, def, Decode(c, raw, def))
			})
		})
	}
}

func TestCodec_header_malformed(t *testing.T) {
	c := NewCodec(CodecOpts{Transform: Identity{}})
	for _, raw := range []string{
		"",
		"{",
		`{"p":1,"s":1,"v":"2"}`,
		`{"p":1,"s":"x","v":"1"}`,
		`{"p":1,"s":1,"e":"soon","v":"1"}`,
		`{"p":1,"s":1,"e":1.5e15,"v":"1"}`,
		`{"p":1,"s":1,"e":1e3,"v":"1"}`,
		`{"p":1,"s":1.5,"v":"1"}`,
		`{"p":1,"s":99999999999999999999,"v":"1"}`,
		`{"s":1,"v":"1"}`,
		`[]`,
	} {
		_, ok := c.Header([]byte(raw))
		assert.False(t, ok, raw)
	}
	h, ok := c.Header([]byte(`{"p":{"big":[1,2,3]},"s":5,"e":9,"v":"1"}`))
	require.True(t, ok)
	assert.Equal(t, Header{StoredAt: 5, ExpiresAt: 9, SchemaVersion: "1"}, h)
}

func TestTransformByName(t *testing.T) {
	for _, n := range []string{"", "base64", "identity", "snappy"} {
		_, ok := TransformByName(n)
		assert.True(t, ok, n)
	}
	_, ok := TransformByName("aes")
	assert.False(t, ok)
}

func mustEncode(t *testing.T, c *Codec, v any) []byte {
	t.Helper()
	b, err := EncodeValue(c, v, time.Time{})
	require.NoError(t, err)
	return b
}

func TestCodec_headerAgreesWithOpen(t *testing.T) {
	c := NewCodec(CodecOpts{Transform: Identity{}, Now: func() time.Time { return time.UnixMilli(1000) }})
	for _, raw := range []string{
		`{"p":1,"s":5,"e":9000,"v":"1"}`,
		`{"p":1,"s":5,"v":"1"}`,
		`{"p":1,"e":null,"v":"1"}`,
		`{"p":1,"s":5,"e":-0,"v":"1"}`,
		`{"p":1,"s":1,"e":1.5e15,"v":"1"}`,
		`{"p":1,"s":1,"e":9e3,"v":"1"}`,
		`{"p":1,"s":1.0,"v":"1"}`,
		`{"p":1,"s":true,"v":"1"}`,
		`{"p":1,"s":1,"e":"9000","v":"1"}`,
		`{"s":1,"v":"1"}`,
		`{"p":1,"s":1,"v":1}`,
	} {
		_, okHeader := c.Header([]byte(raw))
		_, okOpen := c.Open([]byte(raw))
		assert.Equal(t, okOpen, okHeader, raw)
	}
}
