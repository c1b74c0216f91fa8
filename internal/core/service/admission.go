package service

// IsValidToPollInbox só bloqueia adapters com orçamento de egress esgotado
func (c *AdapterContext) IsValidToPollInbox() bool {
	if !c.EgressBounded() {
		return true
	}
	return c.OpenMessages() < c.EgressConcurrency()
}

// InboxQueryPageSize é quantas mensagens o tick pode reclamar
func (c *AdapterContext) InboxQueryPageSize() int {
	if !c.EgressBounded() {
		return 1
	}
	size := c.EgressConcurrency() - c.OpenMessages()
	if size < 0 {
		return 0
	}
	return int(size)
}
