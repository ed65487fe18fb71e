package network

import "runtime"

// NewService selects the OVN-backed service on Linux and the in-memory
// user-mode fallback everywhere else. This is a runtime choice, not a
// compile-time one, so the supervisor's dispatch table stays uniform across
// platforms (see SPEC_FULL.md design notes).
func NewService() Service {
	if runtime.GOOS == "linux" {
		return NewOVNService()
	}
	return NewUserModeService()
}
