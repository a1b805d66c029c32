// Package test holds helpers shared by the package tests.
package test

import (
	"strings"
	"testing"

	"github.com/go-kit/log"
)

type testingWriter struct {
	t testing.TB
}

func (w testingWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// NewTestingLogger returns a logfmt logger writing to t.Log. It must not be
// used after the test returns.
func NewTestingLogger(t testing.TB) log.Logger {
	return log.NewLogfmtLogger(testingWriter{t: t})
}
