package chat

import (
	"slices"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fenggwsx/ResiChat/internal/protocol"
)

// EchoWindow is how far apart an optimistic local message and the server's
// broadcast of the same text by the same sender may be and still collapse.
const EchoWindow = time.Second

// ErrMissingTimestamp marks a message that cannot be ordered.
var ErrMissingTimestamp = errors.New("message missing timestamp")

// MergeIncoming merges incoming into existing and returns the new view.
//
// incoming is a duplicate when an entry has the same non-zero MessageID, or
// failing that, the same sender and content within EchoWindow. Duplicates
// leave the view as is, except that a local entry without a MessageID adopts
// the server's id (and its files, if the local entry had none). Anything
// else is appended and the view stable-sorted by CreatedAt. existing is
// never modified.
func MergeIncoming(existing []protocol.Message, incoming protocol.Message) ([]protocol.Message, error) {
	if incoming.CreatedAt.IsZero() {
		return existing, ErrMissingTimestamp
	}

	if incoming.MessageID != 0 {
		for _, m := range existing {
			if m.MessageID == incoming.MessageID {
				return existing, nil
			}
		}
	}

	for i, m := range existing {
		if !isEcho(m, incoming) {
			continue
		}
		if m.MessageID != 0 || incoming.MessageID == 0 {
			return existing, nil
		}
		out := slices.Clone(existing)
		out[i].MessageID = incoming.MessageID
		if len(out[i].Files) == 0 && len(incoming.Files) > 0 {
			out[i].Files = slices.Clone(incoming.Files)
		}
		return out, nil
	}

	out := make([]protocol.Message, len(existing), len(existing)+1)
	copy(out, existing)
	out = append(out, incoming)
	slices.SortStableFunc(out, func(a, b protocol.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// RemoveMessage returns the view without messageID. existing is never modified.
func RemoveMessage(existing []protocol.Message, messageID uint) []protocol.Message {
	if messageID == 0 {
		return existing
	}
	idx := slices.IndexFunc(existing, func(m protocol.Message) bool { return m.MessageID == messageID })
	if idx < 0 {
		return existing
	}
	return slices.Delete(slices.Clone(existing), idx, idx+1)
}

func isEcho(a, b protocol.Message) bool {
	if a.SenderID != b.SenderID || a.Content != b.Content {
		return false
	}
	delta := a.CreatedAt.Sub(b.CreatedAt)
	if delta < 0 {
		delta = -delta
	}
	return delta <= EchoWindow
}

// Reconciler applies MergeIncoming and logs the messages it has to drop.
// It holds no message state of its own.
type Reconciler struct {
	logger *zap.Logger
}

// NewReconciler returns a reconciler logging to logger (nil discards).
func NewReconciler(logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{logger: logger}
}

// Merge is MergeIncoming that drops defective messages instead of returning errors.
func (r *Reconciler) Merge(existing []protocol.Message, incoming protocol.Message) []protocol.Message {
	out, err := MergeIncoming(existing, incoming)
	if err != nil {
		r.logger.Warn("dropping message", zap.Uint("chat", incoming.ChatID), zap.Uint("message", incoming.MessageID), zap.Uint("sender", incoming.SenderID), zap.Error(err))
		return existing
	}
	return out
}

// MergeAll merges a batch, such as history fetched over REST, in order.
func (r *Reconciler) MergeAll(existing []protocol.Message, incoming []protocol.Message) []protocol.Message {
	out := existing
	for _, msg := range incoming {
		out = r.Merge(out, msg)
	}
	return out
}
