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

package util

import (
	"io"
	"time"
)

type (
	// CostReader records the time spent in the underlying reader
	CostReader struct {
		R  io.Reader
		dt time.Duration
	}
	// CostWriter records the time spent in the underlying writer
	CostWriter struct {
		W  io.Writer
		dt time.Duration
	}
)

func (cr *CostReader) Read(p []byte) (n int, err error) {
	start := time.Now()
	n, err = cr.R.Read(p)
	cr.dt += time.Since(start)
	return n, err
}

func (cr *CostReader) Cost() time.Duration {
	return cr.dt
}

func (cw *CostWriter) Write(p []byte) (n int, err error) {
	start := time.Now()
	n, err = cw.W.Write(p)
	cw.dt += time.Since(start)
	return n, err
}

func (cw *CostWriter) Cost() time.Duration {
	return cw.dt
}

// SplitTime returns the seconds and nanoseconds parts used by on-disk stat records
func SplitTime(t time.Time) (sec int64, nsec uint64) {
	return t.Unix(), uint64(t.Nanosecond())
}

// JoinTime is the inverse of SplitTime
func JoinTime(sec int64, nsec uint64) time.Time {
	return time.Unix(sec, int64(nsec))
}
