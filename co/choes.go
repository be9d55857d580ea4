// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package co

import "sync"

// Choes ("cancellable goes") is a group of goroutines that can be asked to
// stop cooperatively. The reactor's owning-thread loop is started with
// Choes so that closing the storage pool can ask the loop to drain and
// exit without leaking it.
type Choes struct {
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewChoes creates an empty, ready-to-use group.
func NewChoes() *Choes {
	return &Choes{stopChan: make(chan struct{})}
}

// Go starts fn in a new goroutine, passing it the group's stop channel.
// fn should select on the channel and return promptly once it closes.
func (g *Choes) Go(fn func(stopChan chan struct{})) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn(g.stopChan)
	}()
}

// Stop closes the stop channel. Safe to call more than once or
// concurrently with Go/Wait.
func (g *Choes) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopChan)
	})
}

// Wait blocks until every goroutine started with Go has returned.
func (g *Choes) Wait() {
	g.wg.Wait()
}
