package message

import "fmt"

// Origin identifies the node a chat line was first published on.
type Origin struct {
	Name     string `json:"name"`
	Instance string `json:"instance"`
	Time     int64  `json:"time"` // epoch milliseconds, node start
}

func (o *Origin) Clone() *Origin {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}

func (o *Origin) ID() string {
	if o == nil {
		return ""
	}
	return fmt.Sprintf("%s-%s-%d", o.Name, o.Instance, o.Time)
}
