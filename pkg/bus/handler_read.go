package bus

func (h *Handler) startReader() {
	h.setState(StateReadAcquire)
}

// setAckMask derives the acknowledge wires from the last bus state
// so that the response is always a visible change.
func (h *Handler) setAckMask() {
	bits := h.current
	if h.settle {
		bits = h.last
	}
	h.ackMask = 1
	if bits == 1 {
		h.ackMask = 2
	}
	switch {
	case h.wires == 2 && bits == 0:
		h.nackMask = 2
	case h.wires == 2:
		h.nackMask = 0
	case bits == 1 || bits == 3:
		h.nackMask = 4
	default:
		h.nackMask = 2
	}
	h.ackMasks = h.ackMask | h.nackMask
}

func (h *Handler) readNext(bits uint8) {
	if bits ^= h.last; bits == 0 {
		h.error(ErrNothing)
		return
	}
	h.noBackoff = false
	h.val = h.val*uint32(h.max) + uint32(bits) - 1
	h.nval++

	if h.state == StateReadCRC {
		if h.nval == h.crcLen {
			h.readDone(h.val == h.crc.Sum())
		}
		return
	}
	switch {
	case h.nval == h.endLen && h.val == h.valEnd:
		h.readCRC()
	case h.nval == h.chunkLen:
		switch {
		case h.val >= h.valMax+1<<(h.chunkBits-8):
			h.error(ErrCRC)
		case h.val >= h.valMax:
			if err := h.msgIn.AddChunk(h.val-h.valMax, h.chunkBits-8); err != nil {
				h.error(ErrMemory)
				return
			}
			h.readCRC()
		default:
			if err := h.msgIn.AddChunk(h.val, h.chunkBits); err != nil {
				h.error(ErrMemory)
				return
			}
			h.val, h.nval = 0, 0
		}
	}
}

func (h *Handler) readCRC() {
	h.val, h.nval = 0, 0
	h.setState(StateReadCRC)
}

func (h *Handler) readDone(ok bool) {
	h.noBackoff = false
	msg := h.msgIn
	h.msgIn = nil

	if !ok {
		msg.Free()
		h.reportError(ErrCRC)
		h.setAckMask()
		if h.nackMask != 0 {
			h.ackMask = h.nackMask
			h.setState(StateWriteAck)
		} else {
			h.setState(StateWaitIdle)
		}
		return
	}

	msg.Align()
	if err := msg.ReadHeader(); err != nil {
		h.debugf("drop: %v", err)
		msg.Free()
		h.setState(StateWaitIdle)
		return
	}
	h.stats.Received++
	if h.cb.Process(msg) {
		h.setAckMask()
		h.setState(StateWriteAck)
	} else {
		h.setState(StateWaitIdle)
	}
}

// readAck evaluates the receiver's response to a sent frame.
func (h *Handler) readAck(bits uint8) {
	msg := h.clearSending()
	switch {
	case msg == nil:
	case bits == h.ackMask:
		h.transmitted(msg, ResultSuccess)
	case bits == 0:
		h.retry(msg, ResultMissing)
	case bits == h.nackMask:
		h.retry(msg, ResultError)
	case bits&^h.ackMasks != 0:
		h.error(ErrBadCollision)
		h.retry(msg, ResultFatal)
	default:
		h.retry(msg, ResultMissing)
	}
	h.setState(StateWaitIdle)
}
