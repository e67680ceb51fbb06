package tds

// SendAttention writes an ATTENTION (type 6) packet with an empty payload,
// the client's signal to cancel the request in flight. The server replies
// with a DONE token carrying the DoneAttn bit once it has drained and
// acknowledged the cancellation.
func (c *Conn) SendAttention() error {
	return c.WritePacket(PacketAttention, nil)
}
