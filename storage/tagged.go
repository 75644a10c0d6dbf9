package storage

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// UnmarshalTagged splits an externally tagged value {"Tag":body} into its tag
// and body. Tags are matched exactly, unlike struct field names in
// encoding/json.
func UnmarshalTagged(data []byte) (string, json.RawMessage, error) {
	var env map[string]json.RawMessage

	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, err
	}

	if len(env) != 1 {
		return "", nil, errors.Errorf("tagged value must hold exactly one variant, got %d", len(env))
	}

	for tag, body := range env {
		return tag, body, nil
	}

	return "", nil, nil
}

// UnmarshalFields decodes the string fields of a JSON object into the given
// targets. Names are matched exactly and every named field is required; other
// fields are ignored.
func UnmarshalFields(data []byte, fields map[string]*string) error {
	var obj map[string]json.RawMessage

	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}

	if obj == nil {
		return errors.New("expected an object")
	}

	for name, target := range fields {
		raw, ok := obj[name]

		if !ok {
			return errors.Errorf("missing field %q", name)
		}

		var value *string
		if err := json.Unmarshal(raw, &value); err != nil {
			return errors.Wrapf(err, "field %q", name)
		}

		if value == nil {
			return errors.Errorf("field %q is null", name)
		}

		*target = *value
	}

	return nil
}

// ValidateString rejects strings that JSON cannot carry unchanged. Invalid
// UTF-8 would be rewritten to U+FFFD on encode, so the stored key would no
// longer be the key the caller used.
func ValidateString(what, s string) error {
	if !utf8.ValidString(s) {
		return &CodecError{Op: "validate " + what, Err: errors.Errorf("%s %q is not valid UTF-8", what, s)}
	}

	return nil
}
