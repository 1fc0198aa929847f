package utils

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCondTimeout(t *testing.T) {
	var m sync.Mutex
	c := NewCond(&m)

	m.Lock()
	start := time.Now()
	timedOut := c.WaitWithTimeout(10 * time.Millisecond)
	m.Unlock()
	assert.True(t, timedOut)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestCondSignalWakes(t *testing.T) {
	var m sync.Mutex
	c := NewCond(&m)

	go func() {
		time.Sleep(time.Millisecond)
		c.Signal()
	}()
	m.Lock()
	timedOut := c.WaitWithTimeout(5 * time.Second)
	m.Unlock()
	assert.False(t, timedOut)
}

func TestCondBufferedSignal(t *testing.T) {
	var m sync.Mutex
	c := NewCond(&m)

	// a signal sent before the wait is not lost
	c.Signal()
	m.Lock()
	timedOut := c.WaitWithTimeout(time.Second)
	m.Unlock()
	assert.False(t, timedOut)
}
