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

// Package limiter throttles block transfers between the local cache and the
// backend, by concurrent transfer count and by bandwidth.
package limiter

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	mb = 1 << 20

	acquireInterval = time.Millisecond
)

var ErrLimitExceeded = errors.New("transfer limit exceeded")

type Direction int

const (
	Fetch Direction = iota
	Store
)

func (d Direction) String() string {
	if d == Store {
		return "store"
	}
	return "fetch"
}

type (
	Config struct {
		FetchConcurrency int `json:"fetch_concurrency"`
		StoreConcurrency int `json:"store_concurrency"`
		FetchMBPS        int `json:"fetch_mbps"`
		StoreMBPS        int `json:"store_mbps"`
	}
	Status struct {
		Config       Config `json:"config"`
		FetchRunning int    `json:"fetch_running"`
		StoreRunning int    `json:"store_running"`
		FetchWaitMs  int    `json:"fetch_wait_ms"`
		StoreWaitMs  int    `json:"store_wait_ms"`
	}

	Limiter interface {
		// Acquire blocks until a transfer slot of d is free or ctx is done
		Acquire(ctx context.Context, d Direction) error
		TryAcquire(d Direction) error
		Release(d Direction)
		// Reader throttles fetched bytes, Writer throttles stored bytes
		Reader(ctx context.Context, r io.Reader) io.Reader
		Writer(ctx context.Context, w io.Writer) io.Writer
		SetConcurrency(d Direction, n int)
		SetMBPS(d Direction, mbps int)
		Config() Config
		Status() Status
	}
	CountLimit interface {
		Running() int
		Acquire() error
		Release()
		SetLimit(limit uint32)
	}
)

type (
	reader struct {
		ctx        context.Context
		rate       *rate.Limiter
		underlying io.Reader
	}
	writer struct {
		ctx        context.Context
		rate       *rate.Limiter
		underlying io.Writer
	}
	lane struct {
		count CountLimit
		rate  *rate.Limiter
	}
	limiter struct {
		lock   sync.RWMutex
		config Config
		lanes  [2]lane
	}
)

func (r *reader) Read(p []byte) (int, error) {
	if burst := r.rate.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := r.underlying.Read(p)
	if n > 0 {
		if werr := r.rate.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (w *writer) Write(p []byte) (written int, err error) {
	burst := w.rate.Burst()
	for len(p) > 0 {
		chunk := p
		if len(chunk) > burst {
			chunk = chunk[:burst]
		}
		if err = w.rate.WaitN(w.ctx, len(chunk)); err != nil {
			return
		}
		var n int
		n, err = w.underlying.Write(chunk)
		written += n
		if err != nil {
			return
		}
		p = p[n:]
	}
	return
}

func NewLimiter(cfg Config) Limiter {
	lim := &limiter{config: cfg}
	lim.setConcurrency(Fetch, cfg.FetchConcurrency)
	lim.setConcurrency(Store, cfg.StoreConcurrency)
	lim.setMBPS(Fetch, cfg.FetchMBPS)
	lim.setMBPS(Store, cfg.StoreMBPS)
	return lim
}

func (lim *limiter) lane(d Direction) lane {
	lim.lock.RLock()
	defer lim.lock.RUnlock()
	return lim.lanes[d]
}

func (lim *limiter) TryAcquire(d Direction) error {
	if count := lim.lane(d).count; count != nil {
		return count.Acquire()
	}
	return nil
}

func (lim *limiter) Acquire(ctx context.Context, d Direction) error {
	for {
		err := lim.TryAcquire(d)
		if err != ErrLimitExceeded {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(acquireInterval):
		}
	}
}

func (lim *limiter) Release(d Direction) {
	if count := lim.lane(d).count; count != nil {
		count.Release()
	}
}

func (lim *limiter) Reader(ctx context.Context, r io.Reader) io.Reader {
	if limit := lim.lane(Fetch).rate; limit != nil {
		return &reader{ctx: ctx, rate: limit, underlying: r}
	}
	return r
}

func (lim *limiter) Writer(ctx context.Context, w io.Writer) io.Writer {
	if limit := lim.lane(Store).rate; limit != nil {
		return &writer{ctx: ctx, rate: limit, underlying: w}
	}
	return w
}

func (lim *limiter) SetConcurrency(d Direction, n int) {
	lim.setConcurrency(d, n)
}

func (lim *limiter) setConcurrency(d Direction, n int) {
	lim.lock.Lock()
	defer lim.lock.Unlock()
	if d == Store {
		lim.config.StoreConcurrency = n
	} else {
		lim.config.FetchConcurrency = n
	}
	if n <= 0 {
		return
	}
	if l := &lim.lanes[d]; l.count == nil {
		l.count = NewCountLimit(n)
	} else {
		l.count.SetLimit(uint32(n))
	}
}

func (lim *limiter) SetMBPS(d Direction, mbps int) {
	lim.setMBPS(d, mbps)
}

func (lim *limiter) setMBPS(d Direction, mbps int) {
	lim.lock.Lock()
	defer lim.lock.Unlock()
	if d == Store {
		lim.config.StoreMBPS = mbps
	} else {
		lim.config.FetchMBPS = mbps
	}
	if mbps <= 0 {
		return
	}
	if l := &lim.lanes[d]; l.rate == nil {
		l.rate = rate.NewLimiter(rate.Limit(mbps*mb), mbps*mb)
	} else {
		l.rate.SetLimit(rate.Limit(mbps * mb))
		l.rate.SetBurst(mbps * mb)
	}
}

func (lim *limiter) Config() Config {
	lim.lock.RLock()
	defer lim.lock.RUnlock()
	return lim.config
}

func (lim *limiter) Status() Status {
	st := Status{Config: lim.Config()}
	fetch, store := lim.lane(Fetch), lim.lane(Store)
	if fetch.count != nil {
		st.FetchRunning = fetch.count.Running()
	}
	if store.count != nil {
		st.StoreRunning = store.count.Running()
	}
	st.FetchWaitMs = rateWait(fetch.rate)
	st.StoreWaitMs = rateWait(store.rate)
	return st
}

// rateWait estimates how long a transfer of half a second's budget would wait
func rateWait(r *rate.Limiter) int {
	if r == nil {
		return 0
	}
	now := time.Now()
	reserve := r.ReserveN(now, int(r.Limit())/2)
	delay := reserve.DelayFrom(now)
	reserve.Cancel()
	return int(delay.Milliseconds())
}

const minusOne = ^uint32(0)

type countLimit struct {
	limit   uint32
	current uint32
}

// NewCountLimit returns a limiter allowing n concurrent holders
func NewCountLimit(n int) CountLimit {
	return &countLimit{limit: uint32(n)}
}

func (l *countLimit) Running() int {
	return int(atomic.LoadUint32(&l.current))
}

func (l *countLimit) Acquire() error {
	if atomic.AddUint32(&l.current, 1) > atomic.LoadUint32(&l.limit) {
		atomic.AddUint32(&l.current, minusOne)
		return ErrLimitExceeded
	}
	return nil
}

func (l *countLimit) Release() {
	atomic.AddUint32(&l.current, minusOne)
}

func (l *countLimit) SetLimit(limit uint32) {
	atomic.StoreUint32(&l.limit, limit)
}
