package ioengine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/catalystdb/mpt/internal/chunk"
)

func newTestEngine(t *testing.T) (*Engine, *chunk.StoragePool) {
	t.Helper()
	dir := t.TempDir()
	pool, err := chunk.Open([]string{filepath.Join(dir, "dev0")}, chunk.ModeTruncate, chunk.OpenFlags{}, "")
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	e := New(pool, 4, nil)
	e.Start()
	t.Cleanup(e.Stop)
	return e, pool
}

func TestSubmitWriteThenRead(t *testing.T) {
	e, pool := newTestEngine(t)

	off, err := pool.WriteFD(chunk.RoleFast, 5)
	require.NoError(t, err)

	res := <-e.SubmitWrite(off, []byte("hello"), PriorityNormal)
	require.NoError(t, res.Err)

	buf := make([]byte, 5)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	readRes, err := e.SubmitRead(ctx, off, buf, PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, readRes.Err)
	assert.Equal(t, "hello", string(buf))
}

func TestSubmitFuncRunsOnReactor(t *testing.T) {
	e, _ := newTestEngine(t)
	done := make(chan struct{})
	e.SubmitFunc(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SubmitFunc did not run")
	}
}

func TestRetryEAGAINReinitiatesUntilSuccess(t *testing.T) {
	e, _ := newTestEngine(t)

	attempts := 0
	err := e.retryEAGAIN(func() error {
		attempts++
		if attempts < 3 {
			return pkgerrors.Wrap(unix.EAGAIN, "chunk: pread")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryEAGAINGivesUpAfterBudget(t *testing.T) {
	e, _ := newTestEngine(t)

	attempts := 0
	err := e.retryEAGAIN(func() error {
		attempts++
		return unix.EAGAIN
	})
	assert.ErrorIs(t, err, unix.EAGAIN)
	assert.Equal(t, maxEAGAINRetries+1, attempts)
}

func TestRetryEAGAINPassesThroughOtherErrors(t *testing.T) {
	e, _ := newTestEngine(t)
	sentinel := pkgerrors.New("boom")

	attempts := 0
	err := e.retryEAGAIN(func() error {
		attempts++
		return sentinel
	})
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 1, attempts)
}

func TestSubmitReadScatterFillsAllBuffers(t *testing.T) {
	e, pool := newTestEngine(t)

	off, err := pool.WriteFD(chunk.RoleFast, 8)
	require.NoError(t, err)
	res := <-e.SubmitWrite(off, []byte("abcdefgh"), PriorityNormal)
	require.NoError(t, res.Err)

	bufs := [][]byte{make([]byte, 3), make([]byte, 5)}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	readRes, err := e.SubmitReadScatter(ctx, off, bufs, PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, readRes.Err)
	assert.Equal(t, 8, readRes.N)
	assert.Equal(t, "abc", string(bufs[0]))
	assert.Equal(t, "defgh", string(bufs[1]))
}

func TestSubmitTimeoutFiresOnce(t *testing.T) {
	e, _ := newTestEngine(t)

	ch := e.SubmitTimeout(5*time.Millisecond, PriorityIdle)
	select {
	case res, ok := <-ch:
		require.True(t, ok)
		assert.NoError(t, res.Err)
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
	// The channel is closed after the single completion.
	_, ok := <-ch
	assert.False(t, ok)
}

func TestSubmitTimeoutAtPastDeadlineFiresImmediately(t *testing.T) {
	e, _ := newTestEngine(t)

	ch := e.SubmitTimeoutAt(time.Now().Add(-time.Second), PriorityNormal)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("past-deadline timeout never fired")
	}
}

func TestBufPoolClassesAndRelease(t *testing.T) {
	p := NewBufPool()

	small := p.Get(10)
	assert.Len(t, small.B(), 10)
	assert.Equal(t, chunk.DMAPageSize, cap(small.B()))
	small.Release()

	page := p.Get(chunk.DiskPageSize)
	assert.Len(t, page.B(), chunk.DiskPageSize)
	page.Release()
	page.Release() // double release is a no-op

	huge := p.Get(chunk.CPUPageSize + 1)
	assert.Len(t, huge.B(), chunk.CPUPageSize+1)
	huge.Release()
}

func TestSubmitReadRespectsContextCancellation(t *testing.T) {
	e := New(nil, 1, nil)
	e.Start()
	defer e.Stop()

	// Starve the single in-flight slot so the next read must wait.
	require.NoError(t, e.sem.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := e.SubmitRead(ctx, 0, make([]byte, 1), PriorityNormal)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func BenchmarkSubmitWriteRead(b *testing.B) {
	dir := b.TempDir()
	pool, err := chunk.Open([]string{filepath.Join(dir, "dev0")}, chunk.ModeTruncate, chunk.OpenFlags{}, "")
	if err != nil {
		b.Fatal(err)
	}
	defer pool.Close()

	e := New(pool, 128, nil)
	e.Start()
	defer e.Stop()

	payload := make([]byte, chunk.DiskPageSize)
	buf := make([]byte, chunk.DiskPageSize)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		off, err := pool.WriteFD(chunk.RoleFast, uint32(len(payload)))
		if err != nil {
			b.Fatal(err)
		}
		if res := <-e.SubmitWrite(off, payload, PriorityNormal); res.Err != nil {
			b.Fatal(res.Err)
		}
		if _, err := e.SubmitRead(ctx, off, buf, PriorityNormal); err != nil {
			b.Fatal(err)
		}
	}
}
