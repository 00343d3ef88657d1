package state

import (
	"math/big"
	"strings"

	"agentforge/pkg/revert"

	"github.com/holiman/uint256"
)

// ToU256 converts an API amount into checked 256-bit arithmetic.
func ToU256(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, revert.Newf(revert.InvalidArgument, "negative amount %s", v)
	}
	z, overflow := uint256.FromBig(v)
	if overflow {
		return nil, revert.Newf(revert.InvalidArgument, "amount %s exceeds uint256", v)
	}
	return z, nil
}

// FormatU256 renders a uint256 id or amount the way it is stored.
func FormatU256(v *big.Int) (string, error) {
	z, err := ToU256(v)
	if err != nil {
		return "", err
	}
	return z.Dec(), nil
}

// ParseU256 reads a stored decimal column.
func ParseU256(s string) (*uint256.Int, error) {
	z, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, revert.Wrap(err, revert.Internal, "corrupt amount "+s)
	}
	return z, nil
}

// ParseBig parses a decimal or 0x-prefixed uint256 from user input.
func ParseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, revert.Newf(revert.InvalidArgument, "invalid integer %q", s)
	}
	if _, err := ToU256(v); err != nil {
		return nil, err
	}
	return v, nil
}

// CheckedAdd returns a+b or ArithmeticOverflow.
func CheckedAdd(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, revert.New(revert.ArithmeticOverflow, "addition overflows uint256")
	}
	return z, nil
}

var weiPerEther = big.NewInt(1_000_000_000_000_000_000)

// longest suffix first so "gwei" is not read as "wei"
var units = []struct {
	name string
	mul  *big.Int
}{
	{"ether", weiPerEther},
	{"gwei", big.NewInt(1_000_000_000)},
	{"eth", weiPerEther},
	{"wei", big.NewInt(1)},
}

// ParseWei reads an amount such as "100", "0x64", "5 gwei" or "0.1 ether".
// Fractions that do not resolve to a whole number of wei are rejected.
func ParseWei(s string) (*big.Int, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for _, u := range units {
		if !strings.HasSuffix(s, u.name) {
			continue
		}
		num := strings.TrimSpace(strings.TrimSuffix(s, u.name))
		r, ok := new(big.Rat).SetString(num)
		if !ok {
			return nil, revert.Newf(revert.InvalidArgument, "invalid amount %q", s)
		}
		r.Mul(r, new(big.Rat).SetInt(u.mul))
		if !r.IsInt() {
			return nil, revert.Newf(revert.InvalidArgument, "amount %q is not a whole number of wei", s)
		}
		v := new(big.Int).Set(r.Num())
		if _, err := ToU256(v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return ParseBig(s)
}

// FormatEther renders wei as a decimal ether string for display.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	r := new(big.Rat).SetFrac(wei, weiPerEther)
	s := r.FloatString(18)
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}
