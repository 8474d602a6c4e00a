package p2p

import (
	"bytes"
	"encoding/gob"
	"io"

	"github.com/uhyunpark/p2pbook/pkg/protocol"
)

// maxWireSize bounds a single gob frame read from a stream.
const maxWireSize = 1 << 20

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func encodeMessage(m protocol.Message) ([]byte, error) { return gobEncode(m) }

func decodeMessage(b []byte) (protocol.Message, error) {
	var m protocol.Message
	err := gobDecode(b, &m)
	return m, err
}

func encodeReply(r protocol.Reply) ([]byte, error) { return gobEncode(r) }

func decodeReply(b []byte) (protocol.Reply, error) {
	var r protocol.Reply
	err := gobDecode(b, &r)
	return r, err
}

func readFrame(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxWireSize))
}
