package inbox

import "time"

// startTyping sets the typing flag for counterparty and (re)arms its expiry.
func (h *Handler) startTyping(counterparty string) {
	if t, ok := h.typing[counterparty]; ok {
		t.timer.Stop()
	}
	h.typingSeq++
	seq := h.typingSeq
	timer := time.AfterFunc(h.opts.TypingTimeout, func() {
		select {
		case h.expired <- typingExpiry{counterparty: counterparty, seq: seq}:
		case <-h.quit:
		}
	})
	h.typing[counterparty] = &typingTimer{timer: timer, seq: seq}
}

// stopTyping clears the flag and cancels the pending expiry.
func (h *Handler) stopTyping(counterparty string) {
	if t, ok := h.typing[counterparty]; ok {
		t.timer.Stop()
		delete(h.typing, counterparty)
	}
}

func (h *Handler) onTypingExpired(exp typingExpiry) {
	t, ok := h.typing[exp.counterparty]
	// a reset or a real message got there first
	if !ok || t.seq != exp.seq {
		return
	}
	delete(h.typing, exp.counterparty)
	h.publish()
}
