package observability

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	assert.NotPanics(t, func() {
		defer RecoverPanic(logger, "notify plan_changed")
		panic("notifier exploded")
	})
	assert.Contains(t, buf.String(), "notifier exploded")
	assert.Contains(t, buf.String(), "notify plan_changed")
}

func TestRecoverPanic_NoPanic(t *testing.T) {
	var buf bytes.Buffer
	func() {
		defer RecoverPanic(NewLogger(InfoLevel, &buf), "quiet")
	}()
	assert.Zero(t, buf.Len())
}

func TestRecoverPanicWithCallback(t *testing.T) {
	called := false
	assert.NotPanics(t, func() {
		defer RecoverPanicWithCallback(nil, "handler", func() { called = true })
		panic("boom")
	})
	assert.True(t, called)

	called = false
	func() {
		defer RecoverPanicWithCallback(nil, "handler", func() { called = true })
	}()
	assert.False(t, called, "callback runs only after a panic")
}
