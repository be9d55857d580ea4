// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package co holds small concurrency primitives shared by the storage
// engine: a join-all goroutine group, a stoppable goroutine group, a
// broadcast signal and a bounded fan-out helper. None of these model
// kernel fibers; they are the goroutine-based stand-in the engine uses
// wherever the original reactor would park a fiber.
package co

import "sync"

// Goes manages a group of goroutines which can be waited for as a whole.
type Goes struct {
	wg       sync.WaitGroup
	initOnce sync.Once
	doneOnce sync.Once
	done     chan struct{}
}

func (g *Goes) ensureDone() {
	g.initOnce.Do(func() {
		g.done = make(chan struct{})
	})
}

// Go starts fn in a new goroutine and tracks it.
func (g *Goes) Go(fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

// Wait blocks until all tracked goroutines have returned.
func (g *Goes) Wait() {
	g.wg.Wait()
	g.ensureDone()
	g.doneOnce.Do(func() {
		close(g.done)
	})
}

// Done returns a channel that's closed once Wait has observed completion
// of every tracked goroutine.
func (g *Goes) Done() <-chan struct{} {
	g.ensureDone()
	return g.done
}
