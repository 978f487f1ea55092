// Package autoreply is the default responder for recovered messages: a
// keyword-to-response table from configuration, with an optional
// fallback when nothing matches.
package autoreply

import (
	"context"
	"sort"
	"strings"

	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/config"
	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/store"
)

// Rules matches message bodies against configured keywords. Keywords are
// checked case-insensitively as substrings, longest keyword first so the
// most specific rule wins.
type Rules struct {
	keywords []string
	replies  map[string]string
	fallback string
}

// New builds the responder from configuration.
func New(cfg config.AutoReplyConfig) *Rules {
	r := &Rules{
		replies:  make(map[string]string, len(cfg.Rules)),
		fallback: cfg.Fallback,
	}
	for kw, reply := range cfg.Rules {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		r.keywords = append(r.keywords, kw)
		r.replies[kw] = reply
	}
	sort.Slice(r.keywords, func(i, j int) bool {
		if len(r.keywords[i]) != len(r.keywords[j]) {
			return len(r.keywords[i]) > len(r.keywords[j])
		}
		return r.keywords[i] < r.keywords[j]
	})
	return r
}

// HandleIncoming returns the reply for the message body, the fallback if
// no keyword matches, or nothing when no fallback is configured.
func (r *Rules) HandleIncoming(ctx context.Context, tenantID string, msg *store.PendingMessage) (string, error) {
	body := strings.ToLower(msg.Body)
	for _, kw := range r.keywords {
		if strings.Contains(body, kw) {
			return r.replies[kw], nil
		}
	}
	return r.fallback, nil
}
