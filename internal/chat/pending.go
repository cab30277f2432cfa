package chat

// PendingSet holds the attachments selected for the next message. It is
// owned by the UI and is not safe for concurrent use.
type PendingSet struct {
	items []PendingAttachment
}

// Add validates files and keeps the accepted ones in selection order.
func (p *PendingSet) Add(files ...PendingAttachment) []Rejection {
	accepted, rejected := Partition(files)
	p.items = append(p.items, accepted...)
	return rejected
}

// Remove drops the attachment at index i.
func (p *PendingSet) Remove(i int) (PendingAttachment, bool) {
	if i < 0 || i >= len(p.items) {
		return PendingAttachment{}, false
	}
	removed := p.items[i]
	p.items = append(p.items[:i:i], p.items[i+1:]...)
	return removed, true
}

// Items returns a copy of the pending attachments.
func (p *PendingSet) Items() []PendingAttachment {
	out := make([]PendingAttachment, len(p.items))
	copy(out, p.items)
	return out
}

// Len returns the number of pending attachments.
func (p *PendingSet) Len() int {
	return len(p.items)
}

// Clear drops every pending attachment, releasing file contents.
func (p *PendingSet) Clear() {
	p.items = nil
}
