package group

type Group uint8

const (
	GroupInvalid       Group = 0
	GroupWatchDebounce Group = 1
)

func (g Group) String() string {
	switch g {
	case GroupInvalid:
		return "Invalid Group"
	case GroupWatchDebounce:
		return "Watch Debounce"
	default:
		return "Unknown Group"
	}
}
