package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/Alcaro/krkrwine/pkg/filtergraph"
)

// drain moves sample bytes out of the streaming goroutines so that slow disks don't stall
// the graph more than the buffered chunks allow
type drain struct {
	ch      chan []byte
	closed  bool
	done    chan struct{}
	m       sync.Mutex // Locks ch and closed
	name    string
	samples uint64
	w       io.Writer
}

func newDrain(name string, w io.Writer, buffered int) *drain {
	return &drain{
		ch:   make(chan []byte, buffered),
		done: make(chan struct{}),
		name: name,
		w:    w,
	}
}

// onSample matches sink.Options.OnSample
func (d *drain) onSample(s *filtergraph.Sample) error {
	atomic.AddUint64(&d.samples, 1)
	d.m.Lock()
	defer d.m.Unlock()
	if d.closed {
		return fmt.Errorf("main: %s drain is closed", d.name)
	}
	select {
	case d.ch <- bytes.Clone(s.Bytes()):
		return nil
	case <-d.done:
		return fmt.Errorf("main: %s drain is done", d.name)
	}
}

// close makes run return once buffered chunks have been written
func (d *drain) close() {
	d.m.Lock()
	defer d.m.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.ch)
}

func (d *drain) run(ctx context.Context) error {
	defer close(d.done)
	bw := bufio.NewWriter(d.w)
	for {
		select {
		case b, ok := <-d.ch:
			if !ok {
				if err := bw.Flush(); err != nil {
					return fmt.Errorf("main: flushing %s failed: %w", d.name, err)
				}
				return nil
			}
			if _, err := bw.Write(b); err != nil {
				return fmt.Errorf("main: writing %s failed: %w", d.name, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
