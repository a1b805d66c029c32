//go:build !linux

package ehrt

// osThreadID is only known on linux.
func osThreadID() int { return -1 }
