package syncq

import "sync/atomic"

// Link is a settable network-reachability flag.
type Link struct {
	online atomic.Bool
}

// NewLink returns a Link in the given state.
func NewLink(online bool) *Link {
	l := &Link{}
	l.online.Store(online)
	return l
}

// Online reports whether the remote authority is reachable.
func (l *Link) Online() bool {
	return l.online.Load()
}

// SetOnline updates the flag and reports whether it changed.
func (l *Link) SetOnline(online bool) bool {
	return l.online.Swap(online) != online
}
