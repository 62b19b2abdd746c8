// Package envelope wraps payloads with the metadata every stored record
// carries: creation time, optional expiry and schema version.
//
// Decoding never fails loudly. An absent, corrupt, stale or foreign record
// decodes to the caller's default value, so a broken record behaves
// exactly like a cold cache.
package envelope

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// SchemaVersion is written into every new envelope. Records with any
// other version are treated as corrupt.
const SchemaVersion = "1"

// Envelope is the stored record.
// StoredAt and ExpiresAt are unix milliseconds. ExpiresAt 0 means the
// record never expires.
type Envelope struct {
	Payload       json.RawMessage `json:"p"`
	StoredAt      int64           `json:"s"`
	ExpiresAt     int64           `json:"e,omitempty"`
	SchemaVersion string          `json:"v"`
}

// Expired reports whether the envelope is logically absent at now.
func (e *Envelope) Expired(now time.Time) bool {
	return expired(e.ExpiresAt, now)
}

// Header is the envelope without its payload.
type Header struct {
	StoredAt      int64
	ExpiresAt     int64
	SchemaVersion string
}

func (h *Header) Expired(now time.Time) bool {
	return expired(h.ExpiresAt, now)
}

func expired(expiresAt int64, now time.Time) bool {
	return expiresAt != 0 && now.UnixMilli() >= expiresAt
}

var nopLogger = zap.NewNop()

type CodecOpts struct {
	// Transform applied to serialized envelopes. Default is Base64,
	// which is not encryption.
	Transform Transform

	// Logger receives debug logs about records that failed to decode.
	Logger *zap.Logger

	// Now returns the current time. Default is time.Now.
	Now func() time.Time
}

func (opts *CodecOpts) Init() {
	if opts.Transform == nil {
		opts.Transform = Base64{}
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
}

// Codec encodes and decodes envelopes. It is safe for concurrent use.
type Codec struct {
	opts CodecOpts
}

func NewCodec(opts CodecOpts) *Codec {
	opts.Init()
	return &Codec{opts: opts}
}

// Now returns the codec's current time.
func (c *Codec) Now() time.Time {
	return c.opts.Now()
}

// Transform returns the transform in use.
func (c *Codec) Transform() Transform {
	return c.opts.Transform
}

// Encode builds an envelope around payload, stamped with the current time.
// A zero expiresAt means no expiry.
func (c *Codec) Encode(payload json.RawMessage, expiresAt time.Time) ([]byte, error) {
	e := Envelope{
		Payload:       payload,
		StoredAt:      c.opts.Now().UnixMilli(),
		SchemaVersion: SchemaVersion,
	}
	if !expiresAt.IsZero() {
		e.ExpiresAt = expiresAt.UnixMilli()
	}
	b, err := json.Marshal(&e)
	if err != nil {
		return nil, err
	}
	return c.opts.Transform.Apply(b)
}

// EncodeValue marshals v to json and encodes it.
func EncodeValue[V any](c *Codec, v V, expiresAt time.Time) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.Encode(payload, expiresAt)
}

var (
	errNoPayload     = errors.New("no payload")
	errSchemaVersion = errors.New("unknown schema version")
	errBadHeader     = errors.New("malformed envelope header")
)

// Open decodes raw into a live envelope. ok is false if raw is empty,
// corrupt, of another schema version or expired.
func (c *Codec) Open(raw []byte) (e Envelope, ok bool) {
	if len(raw) == 0 {
		return Envelope{}, false
	}
	b, err := c.opts.Transform.Reverse(raw)
	if err != nil {
		c.debug("reverse transform", err)
		return Envelope{}, false
	}
	if err := json.Unmarshal(b, &e); err != nil {
		c.debug("unmarshal envelope", err)
		return Envelope{}, false
	}
	if e.SchemaVersion != SchemaVersion {
		c.debug("open envelope", errSchemaVersion, zap.String("version", e.SchemaVersion))
		return Envelope{}, false
	}
	if len(e.Payload) == 0 {
		c.debug("open envelope", errNoPayload)
		return Envelope{}, false
	}
	if e.Expired(c.opts.Now()) {
		return Envelope{}, false
	}
	return e, true
}

// Header reads the envelope metadata without unmarshalling the payload.
// It does not check expiry. ok is false if raw is not an envelope of the
// current schema version.
func (c *Codec) Header(raw []byte) (h Header, ok bool) {
	if len(raw) == 0 {
		return Header{}, false
	}
	b, err := c.opts.Transform.Reverse(raw)
	if err != nil {
		c.debug("reverse transform", err)
		return Header{}, false
	}
	if !gjson.ValidBytes(b) {
		c.debug("read header", errBadHeader)
		return Header{}, false
	}
	r := gjson.GetManyBytes(b, "v", "s", "e", "p")
	v, s, exp, p := r[0], r[1], r[2], r[3]
	if v.Type != gjson.String || v.Str != SchemaVersion {
		c.debug("read header", errSchemaVersion, zap.String("version", v.String()))
		return Header{}, false
	}
	storedAt, okS := intField(s)
	expiresAt, okE := intField(exp)
	if !okS || !okE || !p.Exists() {
		c.debug("read header", errBadHeader)
		return Header{}, false
	}
	return Header{StoredAt: storedAt, ExpiresAt: expiresAt, SchemaVersion: v.Str}, true
}

// intField reads a header number the way json.Unmarshal fills an int64,
// so Header and Open accept the same records. Absent or null is zero.
func intField(r gjson.Result) (int64, bool) {
	switch r.Type {
	case gjson.Null:
		return 0, true
	case gjson.Number:
		n, err := strconv.ParseInt(r.Raw, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Decode returns the payload stored in raw, or def if raw is absent,
// corrupt, of another schema version, expired or does not unmarshal
// into V. It never panics.
func Decode[V any](c *Codec, raw []byte, def V) V {
	if v, ok := Unwrap[V](c, raw); ok {
		return v
	}
	return def
}

// Unwrap is Decode reporting success instead of taking a default.
func Unwrap[V any](c *Codec, raw []byte) (v V, ok bool) {
	e, ok := c.Open(raw)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		c.debug("unmarshal payload", err)
		var zero V
		return zero, false
	}
	return v, true
}

func (c *Codec) debug(msg string, err error, fields ...zap.Field) {
	if ce := c.opts.Logger.Check(zap.DebugLevel, msg); ce != nil {
		ce.Write(append(fields, zap.Error(err))...)
	}
}
