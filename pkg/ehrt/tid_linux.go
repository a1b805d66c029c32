//go:build linux

package ehrt

import "golang.org/x/sys/unix"

func osThreadID() int { return unix.Gettid() }
