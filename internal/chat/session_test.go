package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/api"
	"courier/internal/models"
	"courier/internal/transport"
	"courier/internal/upload"
)

type apiStub struct {
	currentUserFn        func(ctx context.Context) (*models.User, error)
	conversationsFn      func(ctx context.Context, q api.ConversationQuery) (*models.Page[models.Conversation], error)
	conversationsPageFn  func(ctx context.Context, pageURL string) (*models.Page[models.Conversation], error)
	messagesFn           func(ctx context.Context, conversationID uint, page, pageSize int) (*models.Page[models.Message], error)
	markSeenFn           func(ctx context.Context, conversationID uint) error
	deleteConversationFn func(ctx context.Context, id uint) error
}

func (s *apiStub) CurrentUser(ctx context.Context) (*models.User, error) {
	if s.currentUserFn != nil {
		return s.currentUserFn(ctx)
	}
	return &models.User{ID: 1, Username: "me"}, nil
}

func (s *apiStub) Conversations(ctx context.Context, q api.ConversationQuery) (*models.Page[models.Conversation], error) {
	if s.conversationsFn != nil {
		return s.conversationsFn(ctx, q)
	}
	return &models.Page[models.Conversation]{}, nil
}

func (s *apiStub) ConversationsPage(ctx context.Context, pageURL string) (*models.Page[models.Conversation], error) {
	if s.conversationsPageFn != nil {
		return s.conversationsPageFn(ctx, pageURL)
	}
	return &models.Page[models.Conversation]{}, nil
}

func (s *apiStub) Messages(ctx context.Context, conversationID uint, page, pageSize int) (*models.Page[models.Message], error) {
	if s.messagesFn != nil {
		return s.messagesFn(ctx, conversationID, page, pageSize)
	}
	return &models.Page[models.Message]{}, nil
}

func (s *apiStub) MarkSeen(ctx context.Context, conversationID uint) error {
	if s.markSeenFn != nil {
		return s.markSeenFn(ctx, conversationID)
	}
	return nil
}

func (s *apiStub) DeleteConversation(ctx context.Context, id uint) error {
	if s.deleteConversationFn != nil {
		return s.deleteConversationFn(ctx, id)
	}
	return nil
}

type fakeSocket struct {
	mu           sync.Mutex
	connected    bool
	disconnected bool
	connectErr   error
	sent         []transport.Outbound
	nextSubID    int
	msgFns       map[int]transport.MessageFunc
	msgOrder     []int
	stateFns     map[int]transport.StateFunc
	stateOrder   []int
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		msgFns:   map[int]transport.MessageFunc{},
		stateFns: map[int]transport.StateFunc{},
	}
}

func (f *fakeSocket) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	fns := f.stateSnapshot()
	f.mu.Unlock()
	for _, fn := range fns {
		fn(true)
	}
	return nil
}

func (f *fakeSocket) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.disconnected = true
	f.mu.Unlock()
}

func (f *fakeSocket) Send(msg transport.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSocket) OnMessage(fn transport.MessageFunc) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSubID++
	id := f.nextSubID
	f.msgFns[id] = fn
	f.msgOrder = append(f.msgOrder, id)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.msgFns, id)
	}
}

func (f *fakeSocket) OnState(fn transport.StateFunc) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSubID++
	id := f.nextSubID
	f.stateFns[id] = fn
	f.stateOrder = append(f.stateOrder, id)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.stateFns, id)
	}
}

func (f *fakeSocket) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSocket) stateSnapshot() []transport.StateFunc {
	fns := make([]transport.StateFunc, 0, len(f.stateFns))
	for _, id := range f.stateOrder {
		if fn, ok := f.stateFns[id]; ok {
			fns = append(fns, fn)
		}
	}
	return fns
}

// push delivers an inbound message the way the real transport would.
func (f *fakeSocket) push(m models.Message) {
	f.mu.Lock()
	fns := make([]transport.MessageFunc, 0, len(f.msgFns))
	for _, id := range f.msgOrder {
		if fn, ok := f.msgFns[id]; ok {
			fns = append(fns, fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

func (f *fakeSocket) sentMessages() []transport.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Outbound(nil), f.sent...)
}

type fakeDialer struct {
	mu      sync.Mutex
	sockets map[uint]*fakeSocket
	dials   []uint
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{sockets: map[uint]*fakeSocket{}}
}

func (d *fakeDialer) dial(conversationID uint) Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	sock := newFakeSocket()
	d.sockets[conversationID] = sock
	d.dials = append(d.dials, conversationID)
	return sock
}

func (d *fakeDialer) socket(conversationID uint) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[conversationID]
}

func (d *fakeDialer) dialed() []uint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint(nil), d.dials...)
}

type uploaderStub struct {
	fn func(filename string) (*models.Attachment, error)
}

func (u *uploaderStub) UploadFile(ctx context.Context, filename, mimetype string, r io.Reader, onProgress api.ProgressFunc) (*models.Attachment, error) {
	if onProgress != nil {
		onProgress(100)
	}
	if u.fn != nil {
		return u.fn(filename)
	}
	return &models.Attachment{ID: 1, Filename: filename}, nil
}

func testConversation(id uint, peer string) models.Conversation {
	return models.Conversation{
		ID: id,
		Users: []models.User{
			{ID: 1, Username: "me"},
			{ID: id + 100, Username: peer, FullName: gofakeit.Name()},
		},
	}
}

func newTestSession(t *testing.T, stub *apiStub, up upload.Uploader) (*Session, *fakeDialer) {
	t.Helper()
	if up == nil {
		up = &uploaderStub{}
	}
	d := newFakeDialer()
	s := NewSession(stub, d.dial, upload.NewQueue(up, nil), nil)
	return s, d
}

func TestSession_Initialize(t *testing.T) {
	stub := &apiStub{
		conversationsFn: func(ctx context.Context, q api.ConversationQuery) (*models.Page[models.Conversation], error) {
			return &models.Page[models.Conversation]{
				Count:   2,
				Results: []models.Conversation{testConversation(1, "alice"), testConversation(2, "bob")},
			}, nil
		},
	}
	s, _ := newTestSession(t, stub, nil)

	require.NoError(t, s.Initialize(context.Background()))
	assert.True(t, s.Ready())
	require.NotNil(t, s.CurrentUser())
	assert.Equal(t, "me", s.CurrentUser().Username)
	assert.Equal(t, 2, s.Conversations().Len())
	assert.False(t, s.Conversations().HasNextPage())
}

func TestSession_InitializeFailures(t *testing.T) {
	boom := errors.New("boom")

	t.Run("user fetch fails", func(t *testing.T) {
		stub := &apiStub{
			currentUserFn: func(ctx context.Context) (*models.User, error) { return nil, boom },
		}
		s, _ := newTestSession(t, stub, nil)
		err := s.Initialize(context.Background())
		var ie *InitError
		require.ErrorAs(t, err, &ie)
		assert.ErrorIs(t, err, boom)
		assert.False(t, s.Ready())
	})

	t.Run("conversation load fails", func(t *testing.T) {
		stub := &apiStub{
			conversationsFn: func(ctx context.Context, q api.ConversationQuery) (*models.Page[models.Conversation], error) {
				return nil, boom
			},
		}
		s, _ := newTestSession(t, stub, nil)
		var ie *InitError
		require.ErrorAs(t, s.Initialize(context.Background()), &ie)
		assert.False(t, s.Ready())
	})
}

func TestSession_SelectLoadsMessagesAndConnects(t *testing.T) {
	stub := &apiStub{
		messagesFn: func(ctx context.Context, conversationID uint, page, pageSize int) (*models.Page[models.Message], error) {
			require.Equal(t, uint(1), conversationID)
			return &models.Page[models.Message]{Count: 3, Results: []models.Message{
				{ID: 3, Content: "newest"}, {ID: 2, Content: "middle"}, {ID: 1, Content: "oldest"},
			}}, nil
		},
	}
	s, d := newTestSession(t, stub, nil)

	require.NoError(t, s.Select(context.Background(), testConversation(1, "alice")))

	require.NotNil(t, s.Selected())
	assert.Equal(t, uint(1), s.Selected().ID)
	assert.True(t, s.Connected())
	require.NotNil(t, d.socket(1))
	assert.True(t, d.socket(1).Connected())

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, uint(3), msgs[0].ID)

	transcript := s.Transcript()
	require.Len(t, transcript, 3)
	assert.Equal(t, "oldest", transcript[0].Content)
	assert.Equal(t, "newest", transcript[2].Content)
}

func TestSession_SelectLastCallWins(t *testing.T) {
	// Both loads block; releasing them out of order must still leave the
	// most recent selection in place.
	entered := map[uint]chan struct{}{1: make(chan struct{}), 2: make(chan struct{})}
	release := map[uint]chan struct{}{1: make(chan struct{}), 2: make(chan struct{})}

	stub := &apiStub{
		messagesFn: func(ctx context.Context, conversationID uint, page, pageSize int) (*models.Page[models.Message], error) {
			close(entered[conversationID])
			<-release[conversationID]
			return &models.Page[models.Message]{Results: []models.Message{
				{ID: conversationID * 10, Content: "from conv"},
			}}, nil
		},
	}
	s, d := newTestSession(t, stub, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = s.Select(context.Background(), testConversation(1, "alice"))
	}()
	<-entered[1]
	go func() {
		defer wg.Done()
		_ = s.Select(context.Background(), testConversation(2, "bob"))
	}()
	<-entered[2]

	close(release[2])
	close(release[1])
	wg.Wait()

	require.NotNil(t, s.Selected())
	assert.Equal(t, uint(2), s.Selected().ID)
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, uint(20), msgs[0].ID)

	// The superseded selection never reached the dial step.
	assert.Equal(t, []uint{2}, d.dialed())
	assert.True(t, d.socket(2).Connected())
}

func TestSession_InboundDroppedAfterReselect(t *testing.T) {
	s, d := newTestSession(t, &apiStub{}, nil)

	require.NoError(t, s.Select(context.Background(), testConversation(1, "alice")))
	old := d.socket(1)
	require.NoError(t, s.Select(context.Background(), testConversation(2, "bob")))

	assert.True(t, old.disconnected)
	old.push(models.Message{ID: 99, Content: "stale"})
	assert.Empty(t, s.Messages())
	assert.Equal(t, uint(2), s.Selected().ID)
}

func TestSession_SendMessageWithAttachment(t *testing.T) {
	conv := testConversation(1, "alice")
	stub := &apiStub{
		conversationsFn: func(ctx context.Context, q api.ConversationQuery) (*models.Page[models.Conversation], error) {
			return &models.Page[models.Conversation]{Count: 1, Results: []models.Conversation{conv}}, nil
		},
	}
	up := &uploaderStub{fn: func(filename string) (*models.Attachment, error) {
		return &models.Attachment{ID: 9, Filename: filename, Mimetype: "image/png"}, nil
	}}
	s, d := newTestSession(t, stub, up)

	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Select(context.Background(), conv))

	err := s.SendMessage(context.Background(), "hello",
		upload.File{Name: "x.png", Mimetype: "image/png", Content: strings.NewReader("png")})
	require.NoError(t, err)

	sent := d.socket(1).sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0].Text)
	require.Len(t, sent[0].Files, 1)
	assert.Equal(t, uint(9), sent[0].Files[0].ID)
	assert.Equal(t, "x.png", sent[0].Files[0].Filename)

	// The server echo arrives over the transport and lands everywhere.
	echo := models.Message{ID: 50, Content: "hello", Sender: models.User{ID: 1, Username: "me"},
		Files: []models.Attachment{{ID: 9, Filename: "x.png"}}}
	d.socket(1).push(echo)

	msgs := s.Messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, uint(50), msgs[0].ID)
	require.NotNil(t, s.Selected().LastMessage)
	assert.Equal(t, uint(50), s.Selected().LastMessage.ID)
	stored, ok := s.Conversations().Get(1)
	require.True(t, ok)
	require.NotNil(t, stored.LastMessage)
	assert.Equal(t, uint(50), stored.LastMessage.ID)

	// The queue is drained; the next send starts clean.
	assert.Equal(t, 0, s.queue.Len())
}

func TestSession_SendMessageWithoutSelection(t *testing.T) {
	s, _ := newTestSession(t, &apiStub{}, nil)
	err := s.SendMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestSession_SendMessageQueueFull(t *testing.T) {
	s, _ := newTestSession(t, &apiStub{}, nil)
	require.NoError(t, s.Select(context.Background(), testConversation(1, "alice")))

	files := make([]upload.File, upload.MaxFiles+1)
	for i := range files {
		files[i] = upload.File{Name: gofakeit.Word() + ".png", Content: strings.NewReader("x")}
	}
	err := s.SendMessage(context.Background(), "", files...)
	assert.ErrorIs(t, err, upload.ErrQueueFull)
	assert.Equal(t, 0, s.queue.Len())
}

func TestSession_SendMessageFailedUploadExcluded(t *testing.T) {
	up := &uploaderStub{fn: func(filename string) (*models.Attachment, error) {
		if filename == "bad.bin" {
			return nil, errors.New("rejected")
		}
		return &models.Attachment{ID: 2, Filename: filename}, nil
	}}
	s, d := newTestSession(t, &apiStub{}, up)
	require.NoError(t, s.Select(context.Background(), testConversation(1, "alice")))

	err := s.SendMessage(context.Background(), "mixed batch",
		upload.File{Name: "good.png", Content: strings.NewReader("a")},
		upload.File{Name: "bad.bin", Content: strings.NewReader("b")})
	require.NoError(t, err)

	sent := d.socket(1).sentMessages()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Files, 1)
	assert.Equal(t, "good.png", sent[0].Files[0].Filename)
}

func TestSession_SendMessageFilenameFallbackText(t *testing.T) {
	s, d := newTestSession(t, &apiStub{}, nil)
	require.NoError(t, s.Select(context.Background(), testConversation(1, "alice")))

	err := s.SendMessage(context.Background(), "",
		upload.File{Name: "a.png", Content: strings.NewReader("a")},
		upload.File{Name: "b.pdf", Content: strings.NewReader("b")})
	require.NoError(t, err)

	sent := d.socket(1).sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "a.png, b.pdf", sent[0].Text)
}

func TestSession_SendMessageOverlappingRejected(t *testing.T) {
	block := make(chan struct{})
	up := &uploaderStub{fn: func(filename string) (*models.Attachment, error) {
		<-block
		return &models.Attachment{ID: 1, Filename: filename}, nil
	}}
	s, _ := newTestSession(t, &apiStub{}, up)
	require.NoError(t, s.Select(context.Background(), testConversation(1, "alice")))

	first := make(chan error, 1)
	go func() {
		first <- s.SendMessage(context.Background(), "slow",
			upload.File{Name: "slow.bin", Content: strings.NewReader("x")})
	}()
	require.Eventually(t, s.queue.Uploading, time.Second, time.Millisecond)

	err := s.SendMessage(context.Background(), "fast")
	assert.ErrorIs(t, err, ErrSendInProgress)

	close(block)
	require.NoError(t, <-first)
}

func TestSession_AddMeeting(t *testing.T) {
	s, d := newTestSession(t, &apiStub{}, nil)
	require.NoError(t, s.Select(context.Background(), testConversation(1, "alice")))

	link, err := s.AddMeeting()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(link, "https://meet.jit.si/"))
	assert.Greater(t, len(link), len("https://meet.jit.si/"))

	sent := d.socket(1).sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, link, sent[0].Text)
	assert.Empty(t, sent[0].Files)

	// Two meetings never share a link.
	link2, err := s.AddMeeting()
	require.NoError(t, err)
	assert.NotEqual(t, link, link2)
}

func TestSession_AddMeetingNotConnected(t *testing.T) {
	s, _ := newTestSession(t, &apiStub{}, nil)
	_, err := s.AddMeeting()
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestSession_MarkAsSeenBestEffort(t *testing.T) {
	conv := testConversation(1, "alice")
	conv.HasSeen = false

	var mu sync.Mutex
	calls := 0
	stub := &apiStub{
		conversationsFn: func(ctx context.Context, q api.ConversationQuery) (*models.Page[models.Conversation], error) {
			return &models.Page[models.Conversation]{Count: 1, Results: []models.Conversation{conv}}, nil
		},
		markSeenFn: func(ctx context.Context, conversationID uint) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return errors.New("backend down")
		},
	}
	s, _ := newTestSession(t, stub, nil)
	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Select(context.Background(), conv))

	// The REST call fails but the local flag flips anyway.
	s.MarkAsSeen(context.Background(), 1)
	stored, ok := s.Conversations().Get(1)
	require.True(t, ok)
	assert.True(t, stored.HasSeen)
	assert.True(t, s.Selected().HasSeen)

	// Already seen locally: no further network traffic.
	s.MarkAsSeen(context.Background(), 1)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestSession_DeleteConversation(t *testing.T) {
	convs := []models.Conversation{testConversation(1, "alice"), testConversation(2, "bob")}
	stub := &apiStub{
		conversationsFn: func(ctx context.Context, q api.ConversationQuery) (*models.Page[models.Conversation], error) {
			return &models.Page[models.Conversation]{Count: 2, Results: convs}, nil
		},
		messagesFn: func(ctx context.Context, conversationID uint, page, pageSize int) (*models.Page[models.Message], error) {
			return &models.Page[models.Message]{Results: []models.Message{{ID: 1}}}, nil
		},
	}
	s, d := newTestSession(t, stub, nil)
	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Select(context.Background(), convs[0]))

	require.NoError(t, s.DeleteConversation(context.Background(), 1))
	assert.Equal(t, 1, s.Conversations().Len())
	assert.Nil(t, s.Selected())
	assert.Empty(t, s.Messages())
	assert.False(t, s.Connected())
	assert.True(t, d.socket(1).disconnected)
}

func TestSession_DeleteConversationFailureLeavesState(t *testing.T) {
	conv := testConversation(1, "alice")
	stub := &apiStub{
		conversationsFn: func(ctx context.Context, q api.ConversationQuery) (*models.Page[models.Conversation], error) {
			return &models.Page[models.Conversation]{Count: 1, Results: []models.Conversation{conv}}, nil
		},
		deleteConversationFn: func(ctx context.Context, id uint) error {
			return errors.New("forbidden")
		},
	}
	s, d := newTestSession(t, stub, nil)
	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Select(context.Background(), conv))

	require.Error(t, s.DeleteConversation(context.Background(), 1))
	assert.Equal(t, 1, s.Conversations().Len())
	require.NotNil(t, s.Selected())
	assert.Equal(t, uint(1), s.Selected().ID)
	assert.False(t, d.socket(1).disconnected)
}
