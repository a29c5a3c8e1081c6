// Copyright 2023 The Cuber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package pressure

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/tierfs/accounting"
	apierrors "github.com/cubefs/tierfs/errors"
	"github.com/cubefs/tierfs/layout"
)

type recordLock struct {
	name      string
	mu        *sync.Mutex
	events    *[]string
	relockErr error
}

func (l *recordLock) Unlock() {
	l.mu.Lock()
	*l.events = append(*l.events, "unlock "+l.name)
	l.mu.Unlock()
}

func (l *recordLock) Relock(ctx context.Context) error {
	l.mu.Lock()
	*l.events = append(*l.events, "relock "+l.name)
	l.mu.Unlock()
	return l.relockErr
}

func newLocks() (*recordLock, *recordLock, *[]string) {
	mu := &sync.Mutex{}
	events := &[]string{}
	return &recordLock{name: "entry", mu: mu, events: events},
		&recordLock{name: "handle", mu: mu, events: events}, events
}

func TestEnsureBudget_Fits(t *testing.T) {
	acct := accounting.New(accounting.Config{CacheHardLimit: 100})
	c := New(Config{WaitIntervalMs: 10}, acct)
	entry, handle, events := newLocks()

	waited, err := c.EnsureBudget(context.TODO(), 100, layout.Unpin, entry, handle)
	require.NoError(t, err)
	require.False(t, waited)
	require.Empty(t, *events)
}

func TestEnsureBudget_NoBackend(t *testing.T) {
	acct := accounting.New(accounting.Config{CacheHardLimit: 100})
	acct.Change(accounting.Delta{CacheSize: 100})
	c := New(Config{WaitIntervalMs: 10}, acct)
	entry, handle, events := newLocks()

	waited, err := c.EnsureBudget(context.TODO(), 1, layout.Unpin, entry, handle)
	require.ErrorIs(t, err, apierrors.ErrNoSpace)
	require.False(t, waited)
	require.Empty(t, *events)
}

func TestEnsureBudget_WaitAndRelock(t *testing.T) {
	acct := accounting.New(accounting.Config{CacheHardLimit: 100})
	acct.Change(accounting.Delta{CacheSize: 100})
	c := New(Config{WaitIntervalMs: 5000}, acct)
	c.SetBackendOnline(true)
	require.True(t, c.BackendOnline())
	entry, handle, events := newLocks()

	go func() {
		time.Sleep(20 * time.Millisecond)
		acct.Change(accounting.Delta{CacheSize: -50})
		c.Notify()
	}()

	start := time.Now()
	waited, err := c.EnsureBudget(context.TODO(), 10, layout.Unpin, entry, handle)
	require.NoError(t, err)
	require.True(t, waited)
	require.True(t, time.Since(start) < 5*time.Second)
	require.Equal(t, []string{"unlock handle", "unlock entry", "relock entry", "relock handle"}, *events)

	waited, err = c.EnsureBudget(context.TODO(), 10, layout.Unpin, entry, handle)
	require.NoError(t, err)
	require.False(t, waited)
}

func TestEnsureBudget_Shutdown(t *testing.T) {
	acct := accounting.New(accounting.Config{CacheHardLimit: 100})
	acct.Change(accounting.Delta{CacheSize: 100})
	c := New(Config{WaitIntervalMs: 5000}, acct)
	c.SetBackendOnline(true)
	entry, handle, events := newLocks()

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Shutdown()
	}()
	waited, err := c.EnsureBudget(context.TODO(), 10, layout.Unpin, entry, handle)
	require.ErrorIs(t, err, apierrors.ErrShuttingDown)
	require.True(t, waited)
	require.Equal(t, 4, len(*events))

	// already down
	waited, err = c.EnsureBudget(context.TODO(), 10, layout.Unpin, entry, handle)
	require.ErrorIs(t, err, apierrors.ErrShuttingDown)
	require.False(t, waited)
	c.Shutdown()
}

func TestEnsureBudget_RelockFailure(t *testing.T) {
	acct := accounting.New(accounting.Config{CacheHardLimit: 100})
	acct.Change(accounting.Delta{CacheSize: 100})
	c := New(Config{WaitIntervalMs: 10}, acct)
	c.SetBackendOnline(true)
	entry, handle, events := newLocks()
	relockErr := errors.New("relock failed")
	handle.relockErr = relockErr

	waited, err := c.EnsureBudget(context.TODO(), 10, layout.Unpin, entry, handle)
	require.ErrorIs(t, err, relockErr)
	require.True(t, waited)
	require.Equal(t, []string{"unlock handle", "unlock entry", "relock entry", "relock handle", "unlock entry"}, *events)
}

func TestWait(t *testing.T) {
	c := New(Config{WaitIntervalMs: 10}, accounting.New(accounting.Config{}))
	require.NoError(t, c.Wait(context.TODO()))

	ctx, cancel := context.WithCancel(context.TODO())
	cancel()
	c = New(Config{WaitIntervalMs: 5000}, accounting.New(accounting.Config{}))
	require.ErrorIs(t, c.Wait(ctx), context.Canceled)
}
