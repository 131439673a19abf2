package message

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestChat_String(t *testing.T) {
	req := require.New(t)

	req.Equal("[A] hi", (&Chat{Origin: &Origin{Name: "A"}, Body: []byte("hi")}).String())
	req.Equal("hi", (&Chat{Origin: &Origin{}, Body: []byte("hi")}).String())
	req.Equal("hi", (&Chat{Body: []byte("hi")}).String())

	var c *Chat
	req.Empty(c.String())
	req.Empty(c.Text())
}

func TestOrigin(t *testing.T) {
	req := require.New(t)

	o := &Origin{Name: "A", Instance: "x", Time: 5}
	req.Equal("A-x-5", o.ID())

	clone := o.Clone()
	clone.Name = "B"
	req.Equal("A", o.Name)

	var nilOrigin *Origin
	req.Nil(nilOrigin.Clone())
	req.Empty(nilOrigin.ID())
}

func TestMessage_OmitsMissingChat(t *testing.T) {
	req := require.New(t)

	buf, err := msgpack.Marshal(&Message{Txseq: 1, Txtime: 2})
	req.NoError(err)

	var decoded map[string]interface{}
	req.NoError(msgpack.Unmarshal(buf, &decoded))
	req.Len(decoded, 2)
}
