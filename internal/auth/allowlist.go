package auth

import (
	"sync/atomic"

	"github.com/nextlevelbuilder/wacoder/internal/sessions"
)

type allowState struct {
	senders  map[string]struct{}
	allowAll bool
}

// Allowlist is an exact-match set of permitted senders, swappable at runtime.
// An empty list denies everyone unless allowAll is set.
type Allowlist struct {
	state atomic.Pointer[allowState]
}

func NewAllowlist(senders []string, allowAll bool) *Allowlist {
	a := &Allowlist{}
	a.Replace(senders, allowAll)
	return a
}

// Replace atomically installs a new list.
func (a *Allowlist) Replace(senders []string, allowAll bool) {
	st := &allowState{senders: make(map[string]struct{}, len(senders)), allowAll: allowAll}
	for _, s := range senders {
		if n := sessions.NormalizeSender(s); n != "" {
			st.senders[n] = struct{}{}
		}
	}
	a.state.Store(st)
}

// IsAuthorized reports whether sender may use the service.
func (a *Allowlist) IsAuthorized(sender string) bool {
	st := a.state.Load()
	if st == nil {
		return false
	}
	n := sessions.NormalizeSender(sender)
	if n == "" {
		return false
	}
	if st.allowAll {
		return true
	}
	_, ok := st.senders[n]
	return ok
}

// Len returns the number of listed senders.
func (a *Allowlist) Len() int {
	if st := a.state.Load(); st != nil {
		return len(st.senders)
	}
	return 0
}
