// Copyright 2015 The MOAC-core Authors
// This file is part of the MOAC-core library.
//
// The MOAC-core library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The MOAC-core library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the MOAC-core library. If not, see <http://www.gnu.org/licenses/>.

// Package id implements the overlay's flat 160-bit identifier space: a fixed
// width unsigned integer with an XOR distance metric, used both for node
// identifiers and for DHT keys.
package id

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/MOACChain/MoacLib/crypto"
)

// Len is the width of an ID in bytes (160 bits).
const Len = 20

// Words is the width of an ID in 32-bit big-endian words.
const Words = Len / 4

// ID is an unsigned 160-bit integer stored big-endian, most significant byte
// first, mirroring libcage's uint160_t.
type ID [Len]byte

// Zero is the additive identity; also used as the sentinel "no id" value.
var Zero ID

// New returns a cryptographically random ID, used as a node's default self
// identifier when none is configured.
func New() (ID, error) {
	var out ID
	if _, err := rand.Read(out[:]); err != nil {
		return Zero, err
	}
	return out, nil
}

// FromBytes pads or truncates b to exactly Len bytes: short input is
// right-padded with zero, long input is truncated from the tail. This is the
// documented policy for the set_id path referenced in spec.md §9's open
// questions.
func FromBytes(b []byte) ID {
	var out ID
	n := copy(out[:], b)
	_ = n
	return out
}

// HashKey maps an arbitrary DHT key to the 160-bit identifier space via
// Keccak256, truncated to its leading Len bytes, the same hash the teacher
// uses for its own address derivation in core/contracts/contracts.go. This
// is spec.md §3's "id = hash of key" for stored DHT records.
func HashKey(key []byte) ID {
	return FromBytes(crypto.Keccak256(key))
}

// FromHex parses a hex-encoded ID, accepting an optional "0x" prefix.
func FromHex(s string) (ID, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, err
	}
	if len(b) != Len {
		return Zero, fmt.Errorf("id: wrong length %d, want %d", len(b), Len)
	}
	var out ID
	copy(out[:], b)
	return out, nil
}

// Hex returns the lower-case hex encoding of the ID.
func (a ID) Hex() string {
	return hex.EncodeToString(a[:])
}

func (a ID) String() string {
	s := a.Hex()
	if len(s) <= 16 {
		return s
	}
	return s[:16]
}

// IsZero reports whether a is the all-zero ID.
func (a ID) IsZero() bool {
	return a == Zero
}

// Equal reports whether a and b are the same ID.
func (a ID) Equal(b ID) bool {
	return a == b
}

// Less implements the total order used to break distance ties deterministically.
func (a ID) Less(b ID) bool {
	for i := 0; i < Len; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Xor returns a ^ b, the XOR distance metric.
func (a ID) Xor(b ID) ID {
	var out ID
	for i := 0; i < Len; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// Cmp returns -1, 0 or 1 as a is numerically less than, equal to, or greater
// than b.
func (a ID) Cmp(b ID) int {
	for i := 0; i < Len; i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return 0
}

// Shl returns a left-shifted by n bits.
func (a ID) Shl(n uint) ID {
	if n == 0 {
		return a
	}
	if n >= Len*8 {
		return Zero
	}
	var out ID
	byteShift := n / 8
	bitShift := n % 8
	for i := 0; i < Len; i++ {
		srcIdx := i + int(byteShift)
		if srcIdx >= Len {
			continue
		}
		v := a[srcIdx] << bitShift
		if bitShift > 0 && srcIdx+1 < Len {
			v |= a[srcIdx+1] >> (8 - bitShift)
		}
		out[i] = v
	}
	return out
}

// Shr returns a right-shifted by n bits.
func (a ID) Shr(n uint) ID {
	if n == 0 {
		return a
	}
	if n >= Len*8 {
		return Zero
	}
	var out ID
	byteShift := n / 8
	bitShift := n % 8
	for i := Len - 1; i >= 0; i-- {
		srcIdx := i - int(byteShift)
		if srcIdx < 0 {
			continue
		}
		v := a[srcIdx] >> bitShift
		if bitShift > 0 && srcIdx-1 >= 0 {
			v |= a[srcIdx-1] << (8 - bitShift)
		}
		out[i] = v
	}
	return out
}

// Bit reports the value of bit i, where bit 0 is the least significant bit.
func (a ID) Bit(i int) int {
	if i < 0 || i >= Len*8 {
		return 0
	}
	byteIdx := Len - 1 - i/8
	bitIdx := uint(i % 8)
	if a[byteIdx]&(1<<bitIdx) != 0 {
		return 1
	}
	return 0
}

// BitLen returns the position of the highest set bit, in [0,159], or -1 if a
// is zero.
func (a ID) BitLen() int {
	for i := 0; i < Len; i++ {
		if a[i] == 0 {
			continue
		}
		b := a[i]
		bit := 0
		for b != 0 {
			b >>= 1
			bit++
		}
		return (Len-1-i)*8 + bit - 1
	}
	return -1
}

// Index returns the bucket index of e relative to self: the position of the
// highest set bit of self^e, in [0,159], or -1 if e == self. This is the
// index used throughout the routing table (spec.md §3, §4.3).
func Index(self, e ID) int {
	return self.Xor(e).BitLen()
}

// Words32 decodes a into 5 big-endian 32-bit words, matching the wire
// round-trip format required by spec.md §3.
func (a ID) Words32() [Words]uint32 {
	var out [Words]uint32
	for i := 0; i < Words; i++ {
		out[i] = binary.BigEndian.Uint32(a[i*4 : i*4+4])
	}
	return out
}

// FromWords32 encodes 5 big-endian 32-bit words into an ID.
func FromWords32(w [Words]uint32) ID {
	var out ID
	for i := 0; i < Words; i++ {
		binary.BigEndian.PutUint32(out[i*4:i*4+4], w[i])
	}
	return out
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (a ID) MarshalBinary() ([]byte, error) {
	out := make([]byte, Len)
	copy(out, a[:])
	return out, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (a *ID) UnmarshalBinary(data []byte) error {
	if len(data) != Len {
		return errors.New("id: UnmarshalBinary: wrong length")
	}
	copy(a[:], data)
	return nil
}
