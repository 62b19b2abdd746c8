package envelope

import (
	"encoding/base64"

	"github.com/golang/snappy"
)

// Transform is a reversible byte transform applied to a serialized
// envelope before it is handed to a backend.
//
// None of the transforms in this package provide confidentiality. Base64
// only makes the record text safe; it is NOT encryption. Callers that need
// to hide data from whoever can read the backend must supply a Transform
// backed by a real cipher (for example AES-GCM with a managed key).
type Transform interface {
	Name() string
	Apply(b []byte) ([]byte, error)
	Reverse(b []byte) ([]byte, error)
}

// Identity leaves data untouched.
type Identity struct{}

func (Identity) Name() string { return "identity" }

func (Identity) Apply(b []byte) ([]byte, error) { return b, nil }

func (Identity) Reverse(b []byte) ([]byte, error) { return b, nil }

// Base64 is the default transform. It is a reversible text encoding and
// gives no confidentiality at all.
type Base64 struct{}

func (Base64) Name() string { return "base64" }

func (Base64) Apply(b []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(b)))
	base64.StdEncoding.Encode(out, b)
	return out, nil
}

func (Base64) Reverse(b []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(b)))
	n, err := base64.StdEncoding.Decode(out, b)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// Snappy compresses records. Useful for large article bodies on a
// quota limited backend.
type Snappy struct{}

func (Snappy) Name() string { return "snappy" }

func (Snappy) Apply(b []byte) ([]byte, error) {
	return snappy.Encode(nil, b), nil
}

func (Snappy) Reverse(b []byte) ([]byte, error) {
	return snappy.Decode(nil, b)
}

// TransformByName returns the transform registered under name.
func TransformByName(name string) (Transform, bool) {
	switch name {
	case "", "base64":
		return Base64{}, true
	case "identity":
		return Identity{}, true
	case "snappy":
		return Snappy{}, true
	default:
		return nil, false
	}
}
