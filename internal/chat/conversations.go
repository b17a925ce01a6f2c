package chat

import (
	"context"
	"sync"

	"courier/internal/api"
	"courier/internal/models"
)

// Filter selects which conversations the store holds.
type Filter struct {
	// Verified narrows to verified (true) or pending (false) conversations;
	// nil means all.
	Verified *bool
	Search   string
}

// conversationFetcher is the slice of the REST client the store needs.
type conversationFetcher interface {
	Conversations(ctx context.Context, q api.ConversationQuery) (*models.Page[models.Conversation], error)
	ConversationsPage(ctx context.Context, pageURL string) (*models.Page[models.Conversation], error)
}

// ConversationList is a paginated, filterable collection of conversations
// with optimistic local mutation. A Load replaces the whole list; LoadMore
// appends the next cursor page.
type ConversationList struct {
	mu          sync.Mutex
	fetch       conversationFetcher
	filter      Filter
	items       []models.Conversation
	next        *string
	loadingMore bool
}

// NewConversationList creates an empty store backed by the given fetcher.
func NewConversationList(fetch conversationFetcher) *ConversationList {
	return &ConversationList{fetch: fetch}
}

// Load fetches the first page for the filter and replaces the list
// entirely. No merging happens, so switching filters cannot leak stale
// entries.
func (l *ConversationList) Load(ctx context.Context, f Filter) error {
	page, err := l.fetch.Conversations(ctx, api.ConversationQuery{Verified: f.Verified, Search: f.Search})
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.filter = f
	l.items = append([]models.Conversation(nil), page.Results...)
	l.next = page.Next
	return nil
}

// LoadMore fetches and appends the next page. It is a no-op when no next
// cursor exists or another LoadMore is already in flight, so concurrent
// calls cannot append a page twice.
func (l *ConversationList) LoadMore(ctx context.Context) error {
	l.mu.Lock()
	if l.loadingMore || l.next == nil || *l.next == "" {
		l.mu.Unlock()
		return nil
	}
	l.loadingMore = true
	next := *l.next
	l.mu.Unlock()

	page, err := l.fetch.ConversationsPage(ctx, next)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.loadingMore = false
	if err != nil {
		return err
	}
	l.items = append(l.items, page.Results...)
	l.next = page.Next
	return nil
}

// HasNextPage reports whether another page is available.
func (l *ConversationList) HasNextPage() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next != nil && *l.next != ""
}

// Filter returns the filter the current list was loaded with.
func (l *ConversationList) Filter() Filter {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filter
}

// Len returns the number of conversations held.
func (l *ConversationList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Items returns a copy of the current list.
func (l *ConversationList) Items() []models.Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Conversation(nil), l.items...)
}

// Get returns a copy of the conversation with the given id.
func (l *ConversationList) Get(id uint) (models.Conversation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].ID == id {
			return l.items[i], true
		}
	}
	return models.Conversation{}, false
}

// MarkSeen flips a conversation's seen flag locally.
func (l *ConversationList) MarkSeen(id uint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].ID == id {
			l.items[i].HasSeen = true
			return
		}
	}
}

// SetLastMessage updates a conversation's last message in place.
func (l *ConversationList) SetLastMessage(id uint, msg models.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].ID == id {
			m := msg
			l.items[i].LastMessage = &m
			return
		}
	}
}

// Update replaces a conversation by id.
func (l *ConversationList) Update(conv models.Conversation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].ID == conv.ID {
			l.items[i] = conv
			return
		}
	}
}

// Remove drops a conversation from the list.
func (l *ConversationList) Remove(id uint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].ID == id {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return
		}
	}
}
