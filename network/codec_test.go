package network

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_serializeMsg(t *testing.T) {
	type testMsg struct {
		_     struct{} `cbor:",toarray"`
		Name  string
		Value int
	}

	t.Run("two messages in the stream", func(t *testing.T) {
		buf := &bytes.Buffer{}
		for _, m := range []*testMsg{{Name: "first", Value: 1}, {Name: "second", Value: 2}} {
			data, err := serializeMsg(m)
			require.NoError(t, err)
			buf.Write(data)
		}

		msg := &testMsg{}
		require.NoError(t, deserializeMsg(buf, msg))
		require.Equal(t, &testMsg{Name: "first", Value: 1}, msg)
		require.NoError(t, deserializeMsg(buf, msg))
		require.Equal(t, &testMsg{Name: "second", Value: 2}, msg)
		require.ErrorIs(t, deserializeMsg(buf, msg), io.EOF)
	})

	t.Run("not serializable", func(t *testing.T) {
		data, err := serializeMsg(make(chan int))
		require.ErrorContains(t, err, `marshaling chan int as CBOR`)
		require.Nil(t, data)
	})

	t.Run("truncated message", func(t *testing.T) {
		data, err := serializeMsg(&testMsg{Name: "foo"})
		require.NoError(t, err)
		err = deserializeMsg(bytes.NewReader(data[:len(data)-1]), &testMsg{})
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("invalid length", func(t *testing.T) {
		err := deserializeMsg(bytes.NewReader([]byte{0}), &testMsg{})
		require.EqualError(t, err, `unexpected message length 0`)

		data := binary.AppendUvarint(nil, maxMessageSize+1)
		err = deserializeMsg(bytes.NewReader(data), &testMsg{})
		require.EqualError(t, err, `message size 16777217 exceeds the limit 16777216`)
	})

	t.Run("invalid CBOR", func(t *testing.T) {
		data := append(binary.AppendUvarint(nil, 2), 0xff, 0xff)
		err := deserializeMsg(bytes.NewReader(data), &testMsg{})
		require.ErrorContains(t, err, `decoding message`)
	})
}
