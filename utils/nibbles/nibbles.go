// porecall: a high-performance tool for basecalling nanopore sequencing data.
// Copyright (c) 2026 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/omics-engine/porecall/blob/master/LICENSE.txt>.

// Package nibbles stores sequences of 4-bit values two to a byte. Base
// sequences in alignment records are kept in this packed form.
package nibbles

import "log"

// Nibbles is a slice-like data structure for storing sequences of
// 4-bit values.
type Nibbles struct {
	length int
	bytes  []byte
}

// Len returns the number of 4-bit values stored in these nibbles.
func (n Nibbles) Len() int {
	return n.length
}

// Make creates nibbles of the given length.
func Make(n int) Nibbles {
	return Nibbles{
		length: n,
		bytes:  make([]byte, (n+1)>>1),
	}
}

// ReflectMake creates nibbles over a raw byte slice holding length
// packed values.
func ReflectMake(length int, bytes []byte) Nibbles {
	return Nibbles{
		length: length,
		bytes:  bytes,
	}
}

// ReflectValue returns the underlying representation of the nibbles.
func (n Nibbles) ReflectValue() (length int, bytes []byte) {
	return n.length, n.bytes
}

// Get returns the nibble at the given index.
func (n Nibbles) Get(index int) byte {
	if index >= n.length {
		log.Panic("index out of range")
	}
	i := index >> 1
	bit := index & 1
	return 0xF & (n.bytes[i] >> uint((1^bit)<<2))
}

// Set sets the nibble at the given index.
func (n Nibbles) Set(index int, value byte) {
	if index >= n.length {
		log.Panic("index out of range")
	}
	i := index >> 1
	bit := index & 1
	n.bytes[i] = ((0xF << uint(bit<<2)) & n.bytes[i]) | ((0xF & value) << uint((1^bit)<<2))
}

// Expand returns a byte slice with the same contents, but where each
// value is stored in its own byte.
func (n Nibbles) Expand() []byte {
	result := make([]byte, n.length)
	for k := range result {
		i := k >> 1
		bit := k & 1
		result[k] = 0xF & (n.bytes[i] >> uint((1^bit)<<2))
	}
	return result
}
