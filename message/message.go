package message

type Message struct {
	Txseq  uint64 `json:"txseq"`
	Txtime int64  `json:"txtime"` // epoch milliseconds

	Chat *Chat `json:"chat,omitempty" msgpack:",omitempty"`
}
