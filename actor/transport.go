package actor

import (
	"context"
	"fmt"
	"sync"
)

// Transport resolves a discovered actor's URI into a live Mailbox. The
// spec's Non-goals exclude a full RPC framing format, so this expansion
// provides the one concrete Transport a single-process deployment (and
// this repository's own tests, which simulate a cluster as several
// Registries sharing one Discovery backend in one binary) actually needs:
// an in-process directory from URI to the Mailbox that published it.
// A real multi-process deployment supplies its own Transport wired to
// whatever wire protocol the gateway layer uses.
type Transport interface {
	Dial(ctx context.Context, uri string) (Mailbox, error)
}

// localTransport resolves URIs against mailboxes published by any Registry
// in this process, regardless of which Registry instance published them.
// This lets tests stand up multiple Registries against one shared
// Discovery backend and exercise genuine cross-"node" delivery without a
// real network.
type localTransport struct {
	mu        sync.RWMutex
	mailboxes map[string]Mailbox
}

var globalLocalTransport = &localTransport{mailboxes: make(map[string]Mailbox)}

func (t *localTransport) publish(uri string, mailbox Mailbox) {
	t.mu.Lock()
	t.mailboxes[uri] = mailbox
	t.mu.Unlock()
}

func (t *localTransport) unpublish(uri string) {
	t.mu.Lock()
	delete(t.mailboxes, uri)
	t.mu.Unlock()
}

func (t *localTransport) Dial(_ context.Context, uri string) (Mailbox, error) {
	t.mu.RLock()
	mailbox, ok := t.mailboxes[uri]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("actor: no local mailbox published at %s", uri)
	}
	return mailbox, nil
}
