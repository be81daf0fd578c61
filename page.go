package taskmarket

import (
	"net/url"
	"strings"
	"sync"
)

// MessageCenterPath is the route prefix of the message center.
const MessageCenterPath = "/messages"

// PageContext is the route state the Router reads to decide suppression.
// It is written by navigation and read by the dispatch loop.
type PageContext struct {
	mu                 sync.RWMutex
	route              string
	inMessageCenter    bool
	activeConversation ID
}

// NewPageContext returns a context for the root route.
func NewPageContext() *PageContext {
	return &PageContext{route: "/"}
}

// SetRoute records the current route. The active conversation comes from the
// "conversation" query parameter or from the segment after /messages/.
func (p *PageContext) SetRoute(route string) error {
	u, err := url.Parse(route)
	if err != nil {
		return err
	}
	path := strings.TrimRight(u.Path, "/")
	inCenter := path == MessageCenterPath || strings.HasPrefix(path, MessageCenterPath+"/")

	active := ID(u.Query().Get("conversation"))
	if active == "" && strings.HasPrefix(path, MessageCenterPath+"/") {
		seg := strings.TrimPrefix(path, MessageCenterPath+"/")
		if i := strings.IndexByte(seg, '/'); i >= 0 {
			seg = seg[:i]
		}
		active = ID(seg)
	}

	p.mu.Lock()
	p.route = route
	p.inMessageCenter = inCenter
	p.activeConversation = active
	p.mu.Unlock()
	return nil
}

// SetActive marks id as the active conversation without changing the route.
// An empty id clears it.
func (p *PageContext) SetActive(id ID) {
	p.mu.Lock()
	p.activeConversation = id
	p.mu.Unlock()
}

// Route returns the last route set.
func (p *PageContext) Route() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.route
}

// InMessageCenter reports whether the message center is open.
func (p *PageContext) InMessageCenter() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inMessageCenter
}

// ActiveConversation returns the conversation being viewed, or "".
func (p *PageContext) ActiveConversation() ID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.activeConversation
}

func (p *PageContext) snapshot() (bool, ID) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inMessageCenter, p.activeConversation
}
