// Package client talks to a kvs server over one TCP connection.
package client

import (
	"bufio"
	"encoding/json"
	"net"

	"kvs/protocol"
	"kvs/storage"

	"github.com/pkg/errors"
)

var ErrUnexpectedResponse = errors.New("unexpected response")

// ServerError is an error reported by the server in an Err response.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

// Client sends one request at a time and waits for its response on the same
// connection. It is not safe for concurrent use.
type Client struct {
	conn net.Conn
	w    *bufio.Writer
	enc  *json.Encoder
	dec  *json.Decoder
}

func Connect(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)

	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", addr)
	}

	w := bufio.NewWriter(conn)

	return &Client{
		conn: conn,
		w:    w,
		enc:  json.NewEncoder(w),
		dec:  json.NewDecoder(bufio.NewReader(conn)),
	}, nil
}

func (c *Client) Set(key, value string) error {
	resp, err := c.roundTrip(protocol.SetRequest(key, value))

	if err != nil {
		return err
	}

	if resp.Kind != protocol.KindSet {
		return unexpected(protocol.OpSet, resp)
	}

	return nil
}

// Get returns the value of key, or found == false when the server has no such
// key.
func (c *Client) Get(key string) (value string, found bool, err error) {
	resp, err := c.roundTrip(protocol.GetRequest(key))

	if err != nil {
		return "", false, err
	}

	if resp.Kind != protocol.KindGet {
		return "", false, unexpected(protocol.OpGet, resp)
	}

	return resp.Value, resp.Found, nil
}

// Remove deletes key. It returns storage.ErrKeyNotFound when the server has no
// such key.
func (c *Client) Remove(key string) error {
	resp, err := c.roundTrip(protocol.RemoveRequest(key))

	if err != nil {
		return err
	}

	if resp.Kind != protocol.KindRemove {
		return unexpected(protocol.OpRemove, resp)
	}

	return nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(req protocol.Request) (protocol.Response, error) {
	if err := c.enc.Encode(req); err != nil {
		return protocol.Response{}, errors.Wrapf(err, "send %s request", req.Op)
	}

	if err := c.w.Flush(); err != nil {
		return protocol.Response{}, errors.Wrapf(err, "send %s request", req.Op)
	}

	var resp protocol.Response

	if err := c.dec.Decode(&resp); err != nil {
		return protocol.Response{}, errors.Wrapf(err, "read %s response", req.Op)
	}

	if resp.Kind == protocol.KindErr {
		if resp.Message == storage.ErrKeyNotFound.Error() {
			return resp, storage.ErrKeyNotFound
		}

		return resp, &ServerError{Message: resp.Message}
	}

	return resp, nil
}

func unexpected(op protocol.Op, resp protocol.Response) error {
	return errors.Wrapf(ErrUnexpectedResponse, "%s answered with %s", op, resp.Kind)
}
