package go_func_utils

import (
	"bytes"
	"log"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeGoWG_RunsAndWaits(t *testing.T) {
	logger := log.New(&bytes.Buffer{}, "", 0)

	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 4; i++ {
		SafeGoWG(logger, &wg, func() { ran.Add(1) })
	}
	wg.Wait()

	assert.Equal(t, int32(4), ran.Load())
}

func TestLogPanic_LogsAndRepanics(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	assert.PanicsWithValue(t, "boom", func() {
		defer logPanic(logger)
		panic("boom")
	})
	assert.Contains(t, buf.String(), "PANIC: boom")
}
