// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package zsend

import (
	"encoding/binary"
	"fmt"

	"github.com/grailbio/zsend/errors"
)

// nvlist is the key/value payload of the BEGIN record (spec.md §6.1). It is
// a TLV encoding directly adapted from the teacher's recordio package: each
// entry is a string key, a one-byte type tag, and a type-specific value.
// Unlike the teacher's header format, which only needs bool/int/uint/
// string, this domain also needs a []byte tag (crypt_keydata) and a
// []uint64 tag (redact_snaps, redact_from_snaps).
type nvlist struct {
	order  []string
	values map[string]interface{}
}

func newNvlist() *nvlist {
	return &nvlist{values: make(map[string]interface{})}
}

func (nv *nvlist) SetUint64(key string, v uint64) {
	nv.set(key, v)
}

func (nv *nvlist) SetBytes(key string, v []byte) {
	nv.set(key, append([]byte(nil), v...))
}

func (nv *nvlist) SetUint64Array(key string, v []uint64) {
	nv.set(key, append([]uint64(nil), v...))
}

func (nv *nvlist) set(key string, v interface{}) {
	if _, ok := nv.values[key]; !ok {
		nv.order = append(nv.order, key)
	}
	nv.values[key] = v
}

func (nv *nvlist) Uint64(key string) (uint64, bool) {
	v, ok := nv.values[key].(uint64)
	return v, ok
}

func (nv *nvlist) Bytes(key string) ([]byte, bool) {
	v, ok := nv.values[key].([]byte)
	return v, ok
}

func (nv *nvlist) Uint64Array(key string) ([]uint64, bool) {
	v, ok := nv.values[key].([]uint64)
	return v, ok
}

const (
	nvTypeUint64      = 1
	nvTypeBytes       = 2
	nvTypeUint64Array = 3
)

// Marshal encodes nv as a sequence of (key-len, key, type, value) tuples
// terminated by a zero-length key, mirroring recordio.headerEncoder's
// marshal shape.
func (nv *nvlist) Marshal() []byte {
	var buf []byte
	var tmp [8]byte
	putUint32 := func(v uint32) {
		binary.LittleEndian.PutUint32(tmp[:4], v)
		buf = append(buf, tmp[:4]...)
	}
	putUint64 := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp[:8], v)
		buf = append(buf, tmp[:8]...)
	}
	putString := func(s string) {
		putUint32(uint32(len(s)))
		buf = append(buf, s...)
	}
	for _, key := range nv.order {
		putString(key)
		switch v := nv.values[key].(type) {
		case uint64:
			buf = append(buf, nvTypeUint64)
			putUint64(v)
		case []byte:
			buf = append(buf, nvTypeBytes)
			putUint32(uint32(len(v)))
			buf = append(buf, v...)
		case []uint64:
			buf = append(buf, nvTypeUint64Array)
			putUint32(uint32(len(v)))
			for _, e := range v {
				putUint64(e)
			}
		}
	}
	putUint32(0) // terminator: zero-length key
	return buf
}

// unmarshalNvlist decodes the output of Marshal.
func unmarshalNvlist(p []byte) (*nvlist, error) {
	nv := newNvlist()
	readUint32 := func() (uint32, error) {
		if len(p) < 4 {
			return 0, errors.E(errors.ProtocolError, "truncated nvlist length")
		}
		v := binary.LittleEndian.Uint32(p[:4])
		p = p[4:]
		return v, nil
	}
	readUint64 := func() (uint64, error) {
		if len(p) < 8 {
			return 0, errors.E(errors.ProtocolError, "truncated nvlist value")
		}
		v := binary.LittleEndian.Uint64(p[:8])
		p = p[8:]
		return v, nil
	}
	for {
		keyLen, err := readUint32()
		if err != nil {
			return nil, err
		}
		if keyLen == 0 {
			return nv, nil
		}
		if uint32(len(p)) < keyLen {
			return nil, errors.E(errors.ProtocolError, "truncated nvlist key")
		}
		key := string(p[:keyLen])
		p = p[keyLen:]
		if len(p) < 1 {
			return nil, errors.E(errors.ProtocolError, "truncated nvlist type tag")
		}
		tag := p[0]
		p = p[1:]
		switch tag {
		case nvTypeUint64:
			v, err := readUint64()
			if err != nil {
				return nil, err
			}
			nv.SetUint64(key, v)
		case nvTypeBytes:
			n, err := readUint32()
			if err != nil {
				return nil, err
			}
			if uint32(len(p)) < n {
				return nil, errors.E(errors.ProtocolError, "truncated nvlist bytes value")
			}
			nv.SetBytes(key, p[:n])
			p = p[n:]
		case nvTypeUint64Array:
			n, err := readUint32()
			if err != nil {
				return nil, err
			}
			arr := make([]uint64, n)
			for i := range arr {
				v, err := readUint64()
				if err != nil {
					return nil, err
				}
				arr[i] = v
			}
			nv.SetUint64Array(key, arr)
		default:
			return nil, errors.E(errors.ProtocolError, fmt.Sprintf("unknown nvlist type tag %d", tag))
		}
	}
}
