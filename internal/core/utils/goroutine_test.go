package utils

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeCall(t *testing.T) {
	assert.NoError(t, SafeCall("ok", func() error { return nil }))

	boom := errors.New("boom")
	assert.ErrorIs(t, SafeCall("error", func() error { return boom }), boom)

	err := SafeCall("panic", func() error { panic("handler bug") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in panic: handler bug")
}

func TestSafeGo_RecoversPanic(t *testing.T) {
	done := make(chan struct{})
	SafeGo("worker", func() {
		defer close(done)
		panic("worker bug")
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}
