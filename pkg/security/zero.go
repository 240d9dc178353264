package security

import "runtime"

// ZeroBytes overwrites b with zeros.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// ZeroKey overwrites a fixed size key in place.
func ZeroKey(k *[32]byte) {
	if k == nil {
		return
	}
	ZeroBytes(k[:])
}

// ZeroString drops the reference held by s. Go strings are immutable so the
// backing memory cannot be cleared; this only shortens its reachable lifetime.
func ZeroString(s *string) {
	if s == nil {
		return
	}
	*s = ""
}
