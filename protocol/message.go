// Package protocol defines the messages exchanged between kvs clients and the
// server. Messages use the same externally tagged JSON encoding as log records
// and are written back to back on the connection; a streaming decoder finds
// the boundaries.
//
//	-> {"Set":{"key":"a","value":"1"}}
//	<- {"Set":"1"}
//	-> {"Get":{"key":"a"}}
//	<- {"Get":"1"}
//	-> {"Remove":{"key":"missing"}}
//	<- {"Err":"Key not found"}
package protocol

import (
	"bytes"
	"encoding/json"

	"kvs/storage"

	"github.com/pkg/errors"
)

type Op uint8

const (
	OpGet Op = iota + 1
	OpSet
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpGet:
		return "Get"
	case OpSet:
		return "Set"
	case OpRemove:
		return "Remove"
	default:
		return "Unknown"
	}
}

type Request struct {
	Op    Op
	Key   string
	Value string
}

func GetRequest(key string) Request {
	return Request{Op: OpGet, Key: key}
}

func SetRequest(key, value string) Request {
	return Request{Op: OpSet, Key: key, Value: value}
}

func RemoveRequest(key string) Request {
	return Request{Op: OpRemove, Key: key}
}

type keyBody struct {
	Key string `json:"key"`
}

type setBody struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type requestEnvelope struct {
	Get    *keyBody `json:"Get,omitempty"`
	Set    *setBody `json:"Set,omitempty"`
	Remove *keyBody `json:"Remove,omitempty"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	var env requestEnvelope

	switch r.Op {
	case OpGet:
		env.Get = &keyBody{Key: r.Key}
	case OpSet:
		env.Set = &setBody{Key: r.Key, Value: r.Value}
	case OpRemove:
		env.Remove = &keyBody{Key: r.Key}
	default:
		return nil, errors.Errorf("invalid request op %d", r.Op)
	}

	return json.Marshal(env)
}

func (r *Request) UnmarshalJSON(data []byte) error {
	tag, body, err := storage.UnmarshalTagged(data)

	if err != nil {
		return err
	}

	var key, value string

	switch tag {
	case "Get":
		err = storage.UnmarshalFields(body, map[string]*string{"key": &key})
		*r = GetRequest(key)
	case "Set":
		err = storage.UnmarshalFields(body, map[string]*string{"key": &key, "value": &value})
		*r = SetRequest(key, value)
	case "Remove":
		err = storage.UnmarshalFields(body, map[string]*string{"key": &key})
		*r = RemoveRequest(key)
	default:
		return errors.Errorf("unknown request %q", tag)
	}

	return errors.Wrapf(err, "decode %s request", tag)
}

type ResponseKind uint8

const (
	KindGet ResponseKind = iota + 1
	KindSet
	KindRemove
	KindErr
)

func (k ResponseKind) String() string {
	switch k {
	case KindGet:
		return "Get"
	case KindSet:
		return "Set"
	case KindRemove:
		return "Remove"
	case KindErr:
		return "Err"
	default:
		return "Unknown"
	}
}

// Response carries the outcome of exactly one Request. Value holds the value
// of a Get or the echoed value of a Set, Found tells a missing key apart from
// an empty value and Message is the text of an Err.
type Response struct {
	Kind    ResponseKind
	Value   string
	Found   bool
	Message string
}

func GetResponse(value string, found bool) Response {
	if !found {
		value = ""
	}

	return Response{Kind: KindGet, Value: value, Found: found}
}

func SetResponse(value string) Response {
	return Response{Kind: KindSet, Value: value}
}

func RemoveResponse() Response {
	return Response{Kind: KindRemove}
}

func ErrResponse(message string) Response {
	return Response{Kind: KindErr, Message: message}
}

var removeTag = []byte(`"Remove"`)

func (r Response) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case KindGet:
		if !r.Found {
			return json.Marshal(map[string]*string{"Get": nil})
		}
		return json.Marshal(map[string]string{"Get": r.Value})
	case KindSet:
		return json.Marshal(map[string]string{"Set": r.Value})
	case KindRemove:
		return removeTag, nil
	case KindErr:
		return json.Marshal(map[string]string{"Err": r.Message})
	default:
		return nil, errors.Errorf("invalid response kind %d", r.Kind)
	}
}

func (r *Response) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)

	if len(data) > 0 && data[0] == '"' {
		var tag string
		if err := json.Unmarshal(data, &tag); err != nil {
			return err
		}

		if tag != KindRemove.String() {
			return errors.Errorf("unknown response %q", tag)
		}

		*r = RemoveResponse()
		return nil
	}

	tag, raw, err := storage.UnmarshalTagged(data)

	if err != nil {
		return err
	}

	var value *string

	if err := json.Unmarshal(raw, &value); err != nil {
		return errors.Wrapf(err, "decode %s response", tag)
	}

	switch tag {
	case "Get":
		if value == nil {
			*r = GetResponse("", false)
		} else {
			*r = GetResponse(*value, true)
		}
	case "Set":
		if value == nil {
			return errors.New("Set response without a value")
		}
		*r = SetResponse(*value)
	case "Err":
		if value == nil {
			return errors.New("Err response without a message")
		}
		*r = ErrResponse(*value)
	default:
		return errors.Errorf("unknown response %q", tag)
	}

	return nil
}
