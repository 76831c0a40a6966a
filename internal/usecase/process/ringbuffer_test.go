package process

import (
	"strings"
	"testing"
)

func TestRingBufferBasicWrite(t *testing.T) {
	rb := newRingBuffer(1024)
	rb.Write([]byte("hello "))
	rb.Write([]byte("world"))
	if rb.String() != "hello world" {
		t.Errorf("content = %q", rb.String())
	}
	if rb.TotalWritten() != 11 {
		t.Errorf("written = %d", rb.TotalWritten())
	}
}

func TestRingBufferDropsOldest(t *testing.T) {
	rb := newRingBuffer(10)
	rb.Write([]byte(strings.Repeat("a", 10)))
	rb.Write([]byte("bbbbb"))
	if got := rb.String(); got != "aaaaabbbbb" {
		t.Errorf("content = %q", got)
	}
	if rb.Len() != 10 {
		t.Errorf("len = %d", rb.Len())
	}
	if rb.TotalWritten() != 15 {
		t.Errorf("written = %d", rb.TotalWritten())
	}
}
