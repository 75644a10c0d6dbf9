package storage

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

type RecordKind uint8

const (
	RecordSet    RecordKind = 1
	RecordRemove RecordKind = 2
)

func (k RecordKind) String() string {
	switch k {
	case RecordSet:
		return "Set"
	case RecordRemove:
		return "Remove"
	default:
		return "Unknown"
	}
}

// Record is one logged operation. Once written it is never mutated.
//
// Records are encoded as an externally tagged JSON union and written back to
// back with no framing:
//
//	{"Set":{"key":"k","value":"v"}}{"Remove":{"key":"k"}}
type Record struct {
	Kind  RecordKind
	Key   string
	Value string
}

func SetRecord(key, value string) Record {
	return Record{Kind: RecordSet, Key: key, Value: value}
}

func RemoveRecord(key string) Record {
	return Record{Kind: RecordRemove, Key: key}
}

type setBody struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type removeBody struct {
	Key string `json:"key"`
}

type recordEnvelope struct {
	Set    *setBody    `json:"Set,omitempty"`
	Remove *removeBody `json:"Remove,omitempty"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	var env recordEnvelope

	switch r.Kind {
	case RecordSet:
		env.Set = &setBody{Key: r.Key, Value: r.Value}
	case RecordRemove:
		env.Remove = &removeBody{Key: r.Key}
	default:
		return nil, errors.Errorf("invalid record kind %d", r.Kind)
	}

	return json.Marshal(env)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	tag, body, err := UnmarshalTagged(data)

	if err != nil {
		return err
	}

	switch tag {
	case "Set":
		var key, value string

		if err := UnmarshalFields(body, map[string]*string{"key": &key, "value": &value}); err != nil {
			return errors.Wrap(err, "decode Set record")
		}

		*r = SetRecord(key, value)
	case "Remove":
		var key string

		if err := UnmarshalFields(body, map[string]*string{"key": &key}); err != nil {
			return errors.Wrap(err, "decode Remove record")
		}

		*r = RemoveRecord(key)
	default:
		return errors.Errorf("unknown record kind %q", tag)
	}

	return nil
}

// Validate checks that the record survives a round trip through the encoding.
func (r Record) Validate() error {
	if err := ValidateString("key", r.Key); err != nil {
		return err
	}

	return ValidateString("value", r.Value)
}

// AppendRecord appends the encoded record to dst.
func AppendRecord(dst []byte, r Record) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return dst, err
	}

	b, err := json.Marshal(r)

	if err != nil {
		return dst, &CodecError{Op: "encode record", Err: err}
	}

	return append(dst, b...), nil
}

// DecodeRecord decodes exactly one record from data.
func DecodeRecord(data []byte) (Record, error) {
	var r Record

	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, &CodecError{Op: "decode record", Err: err}
	}

	return r, nil
}

// RecordDecoder reads records from a stream and reports the byte span each one
// occupied, which is how record boundaries are recovered inside a segment.
type RecordDecoder struct {
	dec *json.Decoder
}

func NewRecordDecoder(r io.Reader) *RecordDecoder {
	return &RecordDecoder{dec: json.NewDecoder(r)}
}

// Decode returns the next record together with its offset and length in the
// stream. It returns io.EOF at a clean end of stream and io.ErrUnexpectedEOF
// when the stream ends inside a record.
func (d *RecordDecoder) Decode() (Record, uint64, uint64, error) {
	start := d.dec.InputOffset()

	var r Record
	if err := d.dec.Decode(&r); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, uint64(start), 0, err
		}

		return Record{}, uint64(start), 0, &CodecError{Op: "decode record", Err: err}
	}

	end := d.dec.InputOffset()

	return r, uint64(start), uint64(end - start), nil
}
