package session

import (
	"testing"

	"github.com/awnumar/memguard"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// memguard starts its key-rotation goroutine on first use; it lives for
	// the whole process.
	memguard.NewEnclave([]byte{0})
	goleak.VerifyTestMain(m, goleak.IgnoreCurrent())
}
