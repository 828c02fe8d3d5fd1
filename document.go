package docdb

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// M is a convenience alias for document literals.
type M map[string]interface{}

// Pair is one entry of a batch write. Order matters: later pairs for the
// same key supersede earlier ones.
type Pair struct {
	Key string
	Doc interface{}
}

// Version is one entry of a key's history.
type Version struct {
	ID      uint64
	Doc     *Document
	Current bool
}

// Info describes the store: number of live keys and backend storage size
// in bytes (-1 when the backend is purely in-memory).
type Info struct {
	Keys     int
	DiskSize int64
}

// Document is a decoded read result: the key plus the raw JSON payload of
// one stored version, with gjson path accessors.
type Document struct {
	key   string
	value []byte
}

func newDocument(key string, value []byte) *Document {
	return &Document{key: key, value: value}
}

func (d *Document) Key() string {
	return d.key
}

func (d *Document) Value() []byte {
	return d.value
}

func (d *Document) RawString() string {
	return string(d.value)
}

func (d *Document) Unmarshal(dest interface{}) error {
	if err := json.Unmarshal(d.value, dest); err != nil {
		return errors.Wrap(ErrUnmarshalFailed, err.Error())
	}

	return nil
}

func (d *Document) String(path string) (string, error) {
	raw := gjson.GetBytes(d.value, path)
	if !raw.Exists() {
		return "", ErrJsonPathInvalid
	}
	return raw.String(), nil
}

func (d *Document) StringOrDefault(path, def string) string {
	v, err := d.String(path)
	if err != nil {
		return def
	}
	return v
}

func (d *Document) Float(path string) (float64, error) {
	raw := gjson.GetBytes(d.value, path)
	if !raw.Exists() {
		return 0, ErrJsonPathInvalid
	}
	return raw.Float(), nil
}

func (d *Document) FloatOrDefault(path string, def float64) float64 {
	v, err := d.Float(path)
	if err != nil {
		return def
	}
	return v
}

func (d *Document) Int(path string) (int, error) {
	raw := gjson.GetBytes(d.value, path)
	if !raw.Exists() {
		return 0, ErrJsonPathInvalid
	}
	return int(raw.Int()), nil
}

func (d *Document) IntOrDefault(path string, def int) int {
	v, err := d.Int(path)
	if err != nil {
		return def
	}
	return v
}

// serializeDocument encodes a document body before anything touches the
// ledger, so an unserializable value never leaves a partial record behind.
func serializeDocument(doc interface{}) ([]byte, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrapf(ErrMarshalFailed, "%+v: %s", doc, err.Error())
	}

	return b, nil
}
