package bus

func (h *Handler) clearSending() *Message {
	msg := h.sending
	h.sending = nil
	h.wantPrio = 0
	return msg
}

// prioBit spreads the four priority classes over the wires so that a
// numerically lower class never gets a higher wire than a larger one.
// With fewer than four wires adjacent classes share a wire.
func prioBit(prio uint8, wires uint) uint8 {
	if prio > PrioLow {
		prio = PrioLow
	}
	return 1 << (uint(prio) * wires / 4)
}

// sendNext picks the next message to send and starts writing
// if the bus is idle.
func (h *Handler) sendNext() {
	if h.sending == nil {
		if h.sending = h.prioQueue.Pop(); h.sending == nil {
			h.sending = h.queue.Pop()
		}
	}
	if h.sending == nil {
		return
	}
	if h.wantPrio == 0 {
		if uint(h.sending.Prio) >= h.wires && h.noBackoff {
			h.noBackoff = false
			h.backoff = int(TimeoutBackoff) + 2
		}
		h.wantPrio = prioBit(h.sending.Prio, h.wires)
	}
	if h.state == StateIdle && !h.settle {
		h.startWriter()
		h.setTimeout(TimeoutSettle)
	}
}

func (h *Handler) startWriter() {
	h.curPos, h.curLen = 0, 0
	h.settle = true
	if err := h.sending.StartExtract(); err != nil {
		h.debugf("cannot send %v: %v", h.sending, err)
		h.transmitted(h.clearSending(), ResultFatal)
		h.settle = false
		return
	}
	h.chunkStart = 0
	h.cb.SetWire(h.wantPrio)
	h.setState(StateWriteAcquire)
	h.writeState = writeMore
}

// genChunk prepares the digits of the next chunk, most significant last.
// It returns false when the CRC has been sent.
func (h *Handler) genChunk() bool {
	var val uint32
	n := 0

	switch h.writeState {
	case writeMore:
		h.chunkStart = h.sending.SentBits()
		if !h.sending.ExtractMore() {
			h.writeState = writeEnd
			for ; n < h.endLen; n++ {
				h.chunk[n] = h.max
			}
		} else if val = h.sending.ExtractChunk(h.chunkBits); val >= h.valMax {
			h.writeState = writeFinal
		}
	case writeEnd, writeFinal:
		val = h.crc.Sum()
		h.writeState = writeCRC
		h.setState(StateWriteCRC)
	case writeCRC:
		return false
	}

	if n == 0 {
		digits := h.chunkLen
		if h.writeState == writeCRC {
			digits = h.crcLen
		}
		for ; n < digits; n++ {
			h.chunk[n] = uint8(val%uint32(h.max)) + 1
			val /= uint32(h.max)
		}
	}
	h.curPos, h.curLen = n, n
	return true
}

// writeNext computes the next wire state to assert.
func (h *Handler) writeNext() bool {
	if h.curPos == 0 && !h.genChunk() {
		h.setAckMask()
		h.setState(StateReadAck)
		return false
	}
	h.curPos--
	h.intended = h.last ^ h.chunk[h.curPos]
	return true
}

// writeCollision switches to reading after somebody else asserted bits.
// The bits already sent become the start of the received message.
func (h *Handler) writeCollision(bits uint8, settled bool) {
	h.wantPrio = bits & -bits
	h.stats.Collisions++
	h.stats.Retries++
	h.debugf("collision %02x settled=%v", bits, settled)

	sent, next := h.chunkStart, StateRead
	if h.writeState == writeCRC {
		sent, next = h.sending.SentBits(), StateReadCRC
	}
	msg := h.msgIn
	if msg == nil {
		msg = NewMessage(sent/8 + 8)
		h.msgIn = msg
	}
	msg.StartAdd()
	if err := msg.AddIn(h.sending, sent); err != nil {
		h.error(ErrMemory)
		return
	}

	h.val, h.nval = 0, 0
	for n := h.curLen - 1; n > h.curPos; n-- {
		h.val = h.val*uint32(h.max) + uint32(h.chunk[n]) - 1
		h.nval++
	}

	bits = h.current
	h.setState(next)
	if settled {
		if next == StateRead {
			h.updateCRC(bits)
		}
		h.readNext(bits)
	}
	h.noBackoff = true
}

func (h *Handler) retry(msg *Message, res Result) {
	h.debugf("retry %v %v", res, msg)
	tries := uint8(6)
	switch res {
	case ResultMissing:
		tries = 2
	case ResultError:
		tries = 4
	}
	if msg.tries == 0 {
		msg.tries = tries
	}
	if msg.tries == 1 {
		h.transmitted(msg, res)
		return
	}
	msg.tries--
	h.stats.Retries++
	if msg.Prio == PrioUrgent {
		h.prioQueue.PushFront(msg)
	} else {
		h.queue.PushFront(msg)
	}
	h.sendNext()
}

func (h *Handler) transmitted(msg *Message, res Result) {
	msg.tries = 0
	if res == ResultSuccess {
		h.stats.Sent++
	} else {
		h.stats.Failed++
	}
	h.cb.Transmitted(msg, res)
	if h.backoff > 2*int(TimeoutBackoff) {
		h.backoff /= 2
	} else {
		h.backoff = int(TimeoutBackoff)
	}
}
