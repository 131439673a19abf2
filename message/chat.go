package message

// Chat is one relayed chat line. Body is opaque to the relay; the display
// layer decides how to render it (plain UTF-8 text by default).
type Chat struct {
	Origin *Origin `json:"origin"`
	Body   []byte  `json:"body"`
}

func (c *Chat) Text() string {
	if c == nil {
		return ""
	}
	return string(c.Body)
}

// String renders the line the way it is shown to players, e.g. "[A] hello".
func (c *Chat) String() string {
	if c == nil {
		return ""
	}
	if c.Origin == nil || c.Origin.Name == "" {
		return string(c.Body)
	}
	return "[" + c.Origin.Name + "] " + string(c.Body)
}
