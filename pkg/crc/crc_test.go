package crc

import (
	"math/rand"
	"testing"

	"github.com/sigurn/crc16"
	"github.com/stretchr/testify/require"
)

func allParams() []struct {
	name   string
	params Params
} {
	return []struct {
		name   string
		params Params
	}{
		{"crc6", CRC6},
		{"crc8", CRC8},
		{"crc11", CRC11},
		{"crc16", CRC16},
	}
}

func TestEmptyInput(t *testing.T) {
	for _, tc := range allParams() {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, uint32(0), Checksum(tc.params, nil))
			c := New(tc.params, 2)
			require.Equal(t, uint32(0), c.Sum())
		})
	}
}

func TestChecksumNarrowWidth(t *testing.T) {
	data := []byte("moatbus")
	c := New(CRC6, 2)
	c.UpdateBytes(data)
	require.Equal(t, c.Sum(), Checksum(CRC6, data))
	require.True(t, Checksum(CRC6, data) <= CRC6.Mask())
}

func TestZeroResidue(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for _, tc := range allParams() {
		t.Run(tc.name, func(t *testing.T) {
			for depth := uint(1); depth <= 4; depth++ {
				for n := 0; n < 64; n++ {
					c := New(tc.params, depth)
					for i := 0; i < n; i++ {
						c.Update(uint32(r.Intn(1 << depth)))
					}
					sum := c.Sum()
					require.Equal(t, uint32(0), c.UpdateN(sum, tc.params.Width),
						"depth %d len %d", depth, n)
				}
			}
		})
	}
}

func TestBytesZeroResidue(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for n := 0; n < 100; n++ {
		data := make([]byte, n)
		r.Read(data)
		sum := Checksum(CRC16, data)
		data = append(data, byte(sum), byte(sum>>8))
		require.Equal(t, uint32(0), Checksum(CRC16, data))
	}
}

func TestTableMatchesBitwise(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for _, tc := range allParams() {
		t.Run(tc.name, func(t *testing.T) {
			for depth := uint(2); depth <= 4; depth++ {
				table := New(tc.params, depth)
				bitwise := New(tc.params, 1)
				for i := 0; i < 200; i++ {
					sym := uint32(r.Intn(1 << depth))
					table.Update(sym)
					bitwise.UpdateN(sym, depth)
					require.Equal(t, bitwise.Sum(), table.Sum())
				}
			}
		})
	}
}

func TestSingleBitSensitivity(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	for _, tc := range allParams() {
		t.Run(tc.name, func(t *testing.T) {
			for round := 0; round < 50; round++ {
				data := make([]byte, 1+r.Intn(40))
				r.Read(data)
				sum := Checksum(tc.params, data)
				pos := r.Intn(len(data) * 8)
				data[pos/8] ^= 1 << uint(pos%8)
				require.NotEqual(t, sum, Checksum(tc.params, data))
			}
		})
	}
}

func TestWireSymbolSensitivity(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	for wires := uint(2); wires <= 4; wires++ {
		for round := 0; round < 50; round++ {
			syms := make([]uint32, 1+r.Intn(60))
			for i := range syms {
				syms[i] = uint32(r.Intn(1 << wires))
			}
			sum := func() uint32 {
				c := New(CRC11, wires)
				for _, s := range syms {
					c.Update(s)
				}
				return c.Sum()
			}
			orig := sum()
			pos := r.Intn(len(syms))
			syms[pos] ^= 1 << uint(r.Intn(int(wires)))
			require.NotEqual(t, orig, sum())
		}
	}
}

func TestCRC16MatchesSerialTable(t *testing.T) {
	table := crc16.MakeTable(crc16.Params{
		Poly:   0x5935,
		RefIn:  true,
		RefOut: true,
		Name:   "CRC-16/MOAT",
	})
	r := rand.New(rand.NewSource(6))
	for n := 0; n < 64; n++ {
		data := make([]byte, n)
		r.Read(data)
		require.Equal(t, uint32(crc16.Checksum(data, table)), Checksum(CRC16, data))
	}
}
