package replica

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
)

var ErrOrdering = errors.New("address ordering violation")

// Address is the position key of an element.
// Addresses compare lexicographically, where a missing trailing byte compares as zero.
// Generated addresses never end with a zero byte, so addresses that compare equal are byte equal.
type Address []byte

func ParseAddress(addressHex string) (Address, error) {
	b, err := hex.DecodeString(addressHex)
	if err != nil {
		return nil, fmt.Errorf("cannot parse address %s: %w", addressHex, err)
	}
	return Address(b), nil
}

func (self Address) String() string {
	return hex.EncodeToString(self)
}

func (self Address) Equal(b Address) bool {
	return Compare(self, b) == 0
}

func (self Address) MarshalJSON() ([]byte, error) {
	if self == nil {
		return []byte("null"), nil
	}
	out := make([]byte, 0, 2+2*len(self))
	out = append(out, '"')
	out = hex.AppendEncode(out, self)
	out = append(out, '"')
	return out, nil
}

func (self *Address) UnmarshalJSON(src []byte) error {
	if string(src) == "null" {
		return nil
	}
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid address json: %s", src)
	}
	address, err := ParseAddress(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = address
	return nil
}

func byteAt(address Address, i int) int {
	if i < len(address) {
		return int(address[i])
	}
	return 0
}

func isZero(address Address) bool {
	for _, b := range address {
		if b != 0 {
			return false
		}
	}
	return true
}

func Compare(a Address, b Address) int {
	n := max(len(a), len(b))
	for i := 0; i < n; i += 1 {
		ai := byteAt(a, i)
		bi := byteAt(b, i)
		if ai < bi {
			return -1
		} else if bi < ai {
			return 1
		}
	}
	return 0
}

// Between returns an address strictly greater than `after` and strictly less than `before`.
// A nil `after` is the open lower bound and a nil `before` is the open upper bound.
//
// The walk keeps the shared prefix. At the first position with a gap of more than one,
// it emits the midpoint and stops. With a gap of exactly one it keeps the lower byte,
// after which every extension is already below `before`, so the upper bound opens to 256.
func Between(after Address, before Address) (Address, error) {
	upperOpen := before == nil
	if !upperOpen {
		if isZero(before) {
			return nil, fmt.Errorf("%w: nothing is below %s", ErrOrdering, before)
		}
		if after != nil && 0 <= Compare(after, before) {
			return nil, fmt.Errorf("%w: %s is not below %s", ErrOrdering, after, before)
		}
	}

	address := Address{}
	for i := 0; ; i += 1 {
		l := byteAt(after, i)
		var h int
		if upperOpen {
			h = 256
		} else {
			h = byteAt(before, i)
		}

		if 1 < h-l {
			address = append(address, byte((l+h)/2))
			return address, nil
		}
		address = append(address, byte(l))
		if h-l == 1 {
			upperOpen = true
		}
	}
}

// SpacedAddresses returns `n` increasing addresses spread evenly over the key space,
// using the narrowest width that leaves a gap of at least two between neighbors
// so that most later insertions do not grow the key.
func SpacedAddresses(n int) []Address {
	if n <= 0 {
		return []Address{}
	}
	width := 1
	for width < 7 && (uint64(1)<<(8*width))/uint64(n+1) < 2 {
		width += 1
	}
	span := uint64(1) << (8 * width)

	addresses := make([]Address, n)
	for i := 1; i <= n; i += 1 {
		hi, lo := bits.Mul64(uint64(i), span)
		v, _ := bits.Div64(hi, lo, uint64(n+1))
		address := make(Address, width)
		for j := width - 1; 0 <= j; j -= 1 {
			address[j] = byte(v)
			v >>= 8
		}
		addresses[i-1] = trimZeros(address)
	}
	return addresses
}

func trimZeros(address Address) Address {
	end := len(address)
	for 0 < end && address[end-1] == 0 {
		end -= 1
	}
	return address[:end]
}
