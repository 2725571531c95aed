package types

// Caller is the kernel-verified identity of a client making a host API call.
// It is read from the connecting socket (SO_PEERCRED / SO_PEERSEC), never
// from the request body.
type Caller struct {
	UID uint32
	PID int32
	// SID is the caller's security context, e.g. an SELinux label.
	// "unconfined" when the kernel does not provide one.
	SID string
}
