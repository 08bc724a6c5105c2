package crc

// Params defines a reflected CRC polynomial.
// Poly is given in reflected form, without the x^Width term.
type Params struct {
	Width uint
	Poly  uint32
}

// Parameter sets in use on the bus.
var (
	CRC6  = Params{Width: 6, Poly: 0x2C}
	CRC8  = Params{Width: 8, Poly: 0xA6}
	CRC11 = Params{Width: 11, Poly: 0x583}
	CRC16 = Params{Width: 16, Poly: 0xAC9A}
)

// Mask returns the bit mask covering a CRC value.
func (p Params) Mask() uint32 {
	return (1 << p.Width) - 1
}

// CRC is an incremental CRC register with a symbol table.
type CRC struct {
	params Params
	depth  uint
	table  []uint32
	value  uint32
}

// New creates a CRC consuming depth bits per symbol.
func New(p Params, depth uint) *CRC {
	if depth == 0 || depth > p.Width || depth > 16 {
		panic("crc: invalid symbol depth")
	}
	c := &CRC{params: p, depth: depth, table: make([]uint32, 1<<depth)}
	for i := range c.table {
		c.table[i] = shift(uint32(i), p.Poly, depth)
	}
	return c
}

// shift advances a reflected register by depth zero bits.
func shift(crc, poly uint32, depth uint) uint32 {
	for ; depth > 0; depth-- {
		if crc&1 != 0 {
			crc = (crc >> 1) ^ poly
		} else {
			crc >>= 1
		}
	}
	return crc
}

// Params returns the polynomial parameters.
func (c *CRC) Params() Params {
	return c.params
}

// Depth returns the number of bits consumed by Update.
func (c *CRC) Depth() uint {
	return c.depth
}

// Table returns the table entry for symbol sym.
func (c *CRC) Table(sym uint32) uint32 {
	return c.table[sym&uint32(len(c.table)-1)]
}

// Reset clears the register.
func (c *CRC) Reset() {
	c.value = 0
}

// Sum returns the current register value.
func (c *CRC) Sum() uint32 {
	return c.value
}

// Update consumes one symbol of Depth bits.
func (c *CRC) Update(sym uint32) uint32 {
	c.value = (c.value >> c.depth) ^ c.table[(c.value^sym)&uint32(len(c.table)-1)]
	return c.value
}

// UpdateN consumes the low n bits of data, least significant bit first.
func (c *CRC) UpdateN(data uint32, n uint) uint32 {
	for ; n >= c.depth; n -= c.depth {
		c.Update(data)
		data >>= c.depth
	}
	for ; n > 0; n-- {
		c.value = shift(c.value^(data&1), c.params.Poly, 1)
		data >>= 1
	}
	return c.value
}

// UpdateBytes consumes whole bytes.
func (c *CRC) UpdateBytes(data []byte) uint32 {
	for _, b := range data {
		c.UpdateN(uint32(b), 8)
	}
	return c.value
}

// Checksum computes the CRC of data in one step.
func Checksum(p Params, data []byte) uint32 {
	depth := uint(8)
	if p.Width < depth {
		depth = p.Width
	}
	c := New(p, depth)
	return c.UpdateBytes(data)
}
