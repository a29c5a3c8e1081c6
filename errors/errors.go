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

package errors

import "errors"

var (
	ErrNotFound = errors.New("inode does not exist")

	// resource exhaustion
	ErrNoEntrySlot       = errors.New("no free meta cache entry slot")
	ErrMetaQuotaExceeded = errors.New("metadata space quota exceeded")
	ErrNoSpace           = errors.New("cache is full and no backend to relieve it")

	ErrIO = errors.New("block transfer failed")

	// caller bugs, never retried
	ErrEntryNotLocked = errors.New("meta cache entry is not locked")
	ErrWrongInodeType = errors.New("operation does not match inode type")
	ErrInvalidBlock   = errors.New("invalid block number")
	ErrInvalidStatus  = errors.New("invalid block status")
	ErrNameTooLong    = errors.New("symlink target too long")

	ErrShuttingDown  = errors.New("system is going down")
	ErrUploadRunning = errors.New("upload of the inode is already running")

	ErrCorruptedMeta   = errors.New("corrupted meta record")
	ErrUnknownCodec    = errors.New("unknown compression codec")
	ErrCorruptedObject = errors.New("corrupted backend object")
	ErrObjectNotFound  = errors.New("backend object does not exist")
	ErrBackendNotReady = errors.New("backend is not connected")
)
