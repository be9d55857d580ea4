// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package co

import "sync"

// Signal is an edge-triggered broadcast: Broadcast wakes every Waiter
// registered before the call, and only those. A Waiter created after
// Broadcast has returned waits for the next Broadcast. version.Ring uses
// this (Publish broadcasts, WaitNext subscribes) to let several readers
// wait for the next published version without a receiver missing a
// wakeup that happened before it subscribed, nor firing on wakeups that
// don't concern it.
type Signal struct {
	lock    sync.Mutex
	waiting []chan struct{}
}

// Waiter observes a single Broadcast.
type Waiter struct {
	ch chan struct{}
}

// C returns the channel that closes once the Broadcast this Waiter was
// registered for fires.
func (w Waiter) C() <-chan struct{} {
	return w.ch
}

// NewWaiter registers a new Waiter for the next Broadcast.
func (s *Signal) NewWaiter() Waiter {
	s.lock.Lock()
	defer s.lock.Unlock()
	ch := make(chan struct{})
	s.waiting = append(s.waiting, ch)
	return Waiter{ch}
}

// Broadcast wakes every Waiter registered so far and resets the group.
func (s *Signal) Broadcast() {
	s.lock.Lock()
	waiting := s.waiting
	s.waiting = nil
	s.lock.Unlock()

	for _, ch := range waiting {
		close(ch)
	}
}
