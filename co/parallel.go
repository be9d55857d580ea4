// Copyright (c) 2018 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package co

import "runtime"

// Parallel runs a bounded number of workers draining fn()s fed by enqueue,
// and returns a channel that closes once enqueue has returned and every
// queued fn has completed. It's used by trie traversal to cover the
// root's direct child subtrees concurrently (see trie.Traverse), the
// same "clone the machine, keep going" fan-out the spec describes.
func Parallel(enqueue func(queue chan<- func())) <-chan struct{} {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	queue := make(chan func())
	done := make(chan struct{})

	var wg Goes
	for i := 0; i < n; i++ {
		wg.Go(func() {
			for fn := range queue {
				fn()
			}
		})
	}

	go func() {
		enqueue(queue)
		close(queue)
		wg.Wait()
		close(done)
	}()

	return done
}
