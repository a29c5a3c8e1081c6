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

// Package pressure blocks operations that need local cache space until
// eviction or upload completion frees some.
package pressure

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/tierfs/errors"
	"github.com/cubefs/tierfs/layout"
	"github.com/cubefs/tierfs/metrics"
)

const defaultWaitIntervalMs = 1000

type (
	Config struct {
		WaitIntervalMs int `json:"wait_interval_ms"`
	}
	// Budget answers whether need more bytes fit in the quota of a pin class
	Budget interface {
		Fits(need int64, pin layout.PinClass) bool
	}
	// Relocker is a lock the coordinator gives up while sleeping
	Relocker interface {
		Unlock()
		Relock(ctx context.Context) error
	}
)

type Coordinator struct {
	interval time.Duration
	budget   Budget

	lock  sync.Mutex
	freed chan struct{}

	online    int32
	down      int32
	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config, budget Budget) *Coordinator {
	if cfg.WaitIntervalMs <= 0 {
		cfg.WaitIntervalMs = defaultWaitIntervalMs
	}
	return &Coordinator{
		interval: time.Duration(cfg.WaitIntervalMs) * time.Millisecond,
		budget:   budget,
		freed:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetBackendOnline records whether a backend connection can relieve pressure
func (c *Coordinator) SetBackendOnline(online bool) {
	v := int32(0)
	if online {
		v = 1
	}
	atomic.StoreInt32(&c.online, v)
	c.Notify()
}

func (c *Coordinator) BackendOnline() bool {
	return atomic.LoadInt32(&c.online) == 1
}

// Shutdown wakes every waiter, all of them return ErrShuttingDown
func (c *Coordinator) Shutdown() {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.down, 1)
		close(c.done)
	})
}

func (c *Coordinator) ShuttingDown() bool {
	return atomic.LoadInt32(&c.down) == 1
}

// Notify posts "space freed" to every current waiter
func (c *Coordinator) Notify() {
	c.lock.Lock()
	close(c.freed)
	c.freed = make(chan struct{})
	c.lock.Unlock()
}

// Wait sleeps until Notify, the wait interval, shutdown or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.lock.Lock()
	freed := c.freed
	c.lock.Unlock()

	timer := time.NewTimer(c.interval)
	defer timer.Stop()

	select {
	case <-freed:
	case <-timer.C:
	case <-c.done:
		return apierrors.ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
	if c.ShuttingDown() {
		return apierrors.ErrShuttingDown
	}
	return nil
}

// EnsureBudget returns at once when need bytes fit in the quota of pin.
// Otherwise it releases locks in reverse order, sleeps once, reacquires them
// in order and reports waited so the caller re-reads everything it looked at.
// Locks are held on return unless a Relock failed.
func (c *Coordinator) EnsureBudget(ctx context.Context, need int64, pin layout.PinClass, locks ...Relocker) (waited bool, err error) {
	if c.budget.Fits(need, pin) {
		return false, nil
	}
	if !c.BackendOnline() {
		return false, apierrors.ErrNoSpace
	}
	if c.ShuttingDown() {
		return false, apierrors.ErrShuttingDown
	}

	span := trace.SpanFromContextSafe(ctx)
	span.Debugf("cache full, wait for %d bytes of pin class %d", need, pin)
	metrics.CacheFullWaits.Inc()

	for i := len(locks) - 1; i >= 0; i-- {
		locks[i].Unlock()
	}
	werr := c.Wait(ctx)
	for i := range locks {
		if err = locks[i].Relock(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				locks[j].Unlock()
			}
			span.Warnf("relock after cache full wait failed: %s", err)
			return true, err
		}
	}
	if werr != nil {
		return true, werr
	}
	return true, nil
}
