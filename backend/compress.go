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

package backend

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	apierrors "github.com/cubefs/tierfs/errors"
)

// Codec is the first byte of every stored object
type Codec byte

const (
	CodecNone Codec = iota
	CodecZstd
	CodecLZ4
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	}
	return "unknown"
}

func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	}
	return CodecNone, apierrors.ErrUnknownCodec
}

// zstd encoder and decoder are safe for concurrent use
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	if zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
		panic("zstd encoder: " + err.Error())
	}
	if zstdDecoder, err = zstd.NewReader(nil); err != nil {
		panic("zstd decoder: " + err.Error())
	}
}

// encode frames data with codec. Data that does not shrink is stored raw.
func encode(codec Codec, data []byte) ([]byte, error) {
	var payload []byte
	switch codec {
	case CodecZstd:
		payload = zstdEncoder.EncodeAll(data, nil)
	case CodecLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		payload = buf.Bytes()
	case CodecNone:
	default:
		return nil, apierrors.ErrUnknownCodec
	}
	if codec == CodecNone || len(payload) >= len(data) {
		codec, payload = CodecNone, data
	}
	out := make([]byte, 0, len(payload)+1)
	out = append(out, byte(codec))
	return append(out, payload...), nil
}

func decode(obj []byte) ([]byte, error) {
	if len(obj) == 0 {
		return nil, apierrors.ErrCorruptedObject
	}
	payload := obj[1:]
	switch Codec(obj[0]) {
	case CodecNone:
		return payload, nil
	case CodecZstd:
		return zstdDecoder.DecodeAll(payload, nil)
	case CodecLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(payload)))
	}
	return nil, apierrors.ErrUnknownCodec
}
