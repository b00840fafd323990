package chat_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/toy-broadcast-chat/internal/chat"
)

const waitFor = 2 * time.Second

type fakeRecorder struct {
	mu         sync.Mutex
	registered int
	removed    int
	delivered  int
	failed     int
	ended      []chat.EndReason
}

func (r *fakeRecorder) ClientRegistered() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered++
}

func (r *fakeRecorder) ClientRemoved() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed++
}

func (r *fakeRecorder) Broadcast(delivered, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered += delivered
	r.failed += failed
}

func (r *fakeRecorder) ConnectionEnded(reason chat.EndReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, reason)
}

func (r *fakeRecorder) counts() (registered, removed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered, r.removed
}

func (r *fakeRecorder) endReasons() []chat.EndReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]chat.EndReason(nil), r.ended...)
}

func register(t *testing.T, hub *chat.Hub, name string) (*chat.Client, *mockConn) {
	t.Helper()
	conn := newMockConn("127.0.0.1:1234")
	client, err := hub.CreateClient(context.Background(), conn, name)
	require.NoError(t, err)
	return client, conn
}

// handle runs HandleClient in the background and returns a channel closed
// when it returns.
func handle(ctx context.Context, hub *chat.Hub, client *chat.Client) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.HandleClient(ctx, client)
	}()
	return done
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatal("timed out waiting")
	}
}

func TestHub_CreateClient(t *testing.T) {
	rec := &fakeRecorder{}
	hub := chat.NewHub(chat.WithRecorder(rec))

	client, _ := register(t, hub, "testuser")

	assert.Equal(t, 1, hub.ClientCount())
	got, ok := hub.Get(client.ID)
	require.True(t, ok)
	assert.Same(t, client, got)
	registered, _ := rec.counts()
	assert.Equal(t, 1, registered)
}

func TestHub_CreateClient_MultipleClients(t *testing.T) {
	hub := chat.NewHub()

	for range 3 {
		register(t, hub, "user")
	}

	assert.Equal(t, 3, hub.ClientCount())
}

func TestHub_CreateClient_MissingName(t *testing.T) {
	hub := chat.NewHub()
	conn := newMockConn("127.0.0.1:1234")

	client, err := hub.CreateClient(context.Background(), conn, "")

	assert.ErrorIs(t, err, chat.ErrMissingName)
	assert.Nil(t, client)
	assert.Equal(t, 0, hub.ClientCount())
	assert.Equal(t, 1, conn.GetReleased())
}

func TestHub_Broadcast(t *testing.T) {
	hub := chat.NewHub()
	alice, aliceConn := register(t, hub, "alice")
	_, bobConn := register(t, hub, "bob")
	_, carolConn := register(t, hub, "carol")

	result := hub.Broadcast(context.Background(), alice, "hi")

	assert.Equal(t, chat.BroadcastResult{Delivered: 2, Failed: 0}, result)
	assert.Equal(t, []string{"alice: hi"}, bobConn.GetSent())
	assert.Equal(t, []string{"alice: hi"}, carolConn.GetSent())
	assert.Empty(t, aliceConn.GetSent(), "sender must not receive its own message")
}

func TestHub_Broadcast_NoRecipients(t *testing.T) {
	hub := chat.NewHub()
	alice, _ := register(t, hub, "alice")

	result := hub.Broadcast(context.Background(), alice, "anyone?")

	assert.Equal(t, chat.BroadcastResult{}, result)
}

func TestHub_Broadcast_IsolatesFailures(t *testing.T) {
	rec := &fakeRecorder{}
	hub := chat.NewHub(chat.WithRecorder(rec))
	alice, _ := register(t, hub, "alice")
	_, bobConn := register(t, hub, "bob")
	_, carolConn := register(t, hub, "carol")
	bobConn.sendErr = errors.New("connection reset by peer")

	result := hub.Broadcast(context.Background(), alice, "hi")

	assert.Equal(t, chat.BroadcastResult{Delivered: 1, Failed: 1}, result)
	assert.Equal(t, []string{"alice: hi"}, carolConn.GetSent())
	assert.Equal(t, 3, hub.ClientCount(), "a failed send does not unregister the recipient")
	assert.Equal(t, 1, rec.failed)
}

func TestHub_Broadcast_SkipsRemoved(t *testing.T) {
	hub := chat.NewHub()
	alice, _ := register(t, hub, "alice")
	bob, bobConn := register(t, hub, "bob")
	_, carolConn := register(t, hub, "carol")

	require.True(t, hub.Remove(bob.ID))
	result := hub.Broadcast(context.Background(), alice, "hi")

	assert.Equal(t, chat.BroadcastResult{Delivered: 1}, result)
	assert.Empty(t, bobConn.GetSent())
	assert.Equal(t, []string{"alice: hi"}, carolConn.GetSent())
}

func TestHub_Broadcast_FanoutLimit(t *testing.T) {
	hub := chat.NewHub(chat.WithFanoutLimit(2))
	alice, _ := register(t, hub, "alice")
	conns := make([]*mockConn, 0, 5)
	for i := range 5 {
		_, conn := register(t, hub, fmt.Sprintf("user%d", i))
		conns = append(conns, conn)
	}

	result := hub.Broadcast(context.Background(), alice, "hi")

	assert.Equal(t, 5, result.Delivered)
	for _, conn := range conns {
		assert.Equal(t, []string{"alice: hi"}, conn.GetSent())
	}
}

func TestHub_Broadcast_ConcurrentMembership(t *testing.T) {
	hub := chat.NewHub()
	alice, _ := register(t, hub, "alice")

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			client, err := hub.CreateClient(context.Background(), newMockConn("127.0.0.1:1234"), fmt.Sprintf("user%d", i))
			if err == nil {
				hub.Remove(client.ID)
			}
		}()
		go func() {
			defer wg.Done()
			hub.Broadcast(context.Background(), alice, "hi")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, hub.ClientCount())
}

func TestHub_Broadcast_PreservesOrder(t *testing.T) {
	hub := chat.NewHub()
	alice, _ := register(t, hub, "alice")
	_, bobConn := register(t, hub, "bob")

	want := make([]string, 0, 50)
	for i := range 50 {
		msg := fmt.Sprintf("message %d", i)
		hub.Broadcast(context.Background(), alice, msg)
		want = append(want, "alice: "+msg)
	}

	assert.Equal(t, want, bobConn.GetSent())
}

func TestHub_SendTo(t *testing.T) {
	hub := chat.NewHub()
	alice, _ := register(t, hub, "alice")
	bob, bobConn := register(t, hub, "bob")
	_, carolConn := register(t, hub, "carol")

	require.NoError(t, hub.SendTo(context.Background(), alice, bob.ID, "psst"))
	require.NoError(t, hub.SendTo(context.Background(), nil, bob.ID, "welcome"))

	assert.Equal(t, []string{"alice: psst", "server: welcome"}, bobConn.GetSent())
	assert.Empty(t, carolConn.GetSent())
}

func TestHub_SendTo_Errors(t *testing.T) {
	hub := chat.NewHub()
	alice, _ := register(t, hub, "alice")
	bob, bobConn := register(t, hub, "bob")
	_, carolConn := register(t, hub, "carol")
	bobConn.sendErr = errors.New("broken pipe")

	err := hub.SendTo(context.Background(), alice, uuid.New(), "hello?")
	assert.ErrorIs(t, err, chat.ErrNotFound)

	err = hub.SendTo(context.Background(), alice, bob.ID, "hello?")
	assert.ErrorIs(t, err, chat.ErrSendFailed)

	assert.Empty(t, carolConn.GetSent())
	assert.Equal(t, 3, hub.ClientCount())
}

func TestHub_Remove(t *testing.T) {
	rec := &fakeRecorder{}
	hub := chat.NewHub(chat.WithRecorder(rec))
	client, conn := register(t, hub, "testuser")

	assert.True(t, hub.Remove(client.ID))
	assert.False(t, hub.Remove(client.ID), "second removal is a no-op")

	assert.Equal(t, 0, hub.ClientCount())
	assert.Len(t, conn.GetCloses(), 1)
	assert.Equal(t, 1, conn.GetReleased())
	_, removed := rec.counts()
	assert.Equal(t, 1, removed)
}

func TestHub_Remove_Unknown(t *testing.T) {
	hub := chat.NewHub()
	register(t, hub, "testuser")

	assert.False(t, hub.Remove(uuid.New()))
	assert.Equal(t, 1, hub.ClientCount())
}

func TestHub_CloseAll(t *testing.T) {
	rec := &fakeRecorder{}
	hub := chat.NewHub(chat.WithRecorder(rec))
	conns := make([]*mockConn, 0, 3)
	for i := range 3 {
		_, conn := register(t, hub, fmt.Sprintf("user%d", i))
		conns = append(conns, conn)
	}

	hub.CloseAll("server shutting down")

	assert.Equal(t, 0, hub.ClientCount())
	for _, conn := range conns {
		closes := conn.GetCloses()
		require.Len(t, closes, 1)
		assert.Equal(t, chat.StatusGoingAway, closes[0].code)
		assert.Equal(t, "server shutting down", closes[0].reason)
	}
	_, removed := rec.counts()
	assert.Equal(t, 3, removed)
}

func TestHub_HandleClient_Relay(t *testing.T) {
	rec := &fakeRecorder{}
	hub := chat.NewHub(chat.WithRecorder(rec))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice, aliceConn := register(t, hub, "alice")
	bob, bobConn := register(t, hub, "bob")
	aliceDone := handle(ctx, hub, alice)
	bobDone := handle(ctx, hub, bob)

	aliceConn.pushText("hi")
	require.Eventually(t, func() bool {
		return len(bobConn.GetSent()) == 1
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, []string{"alice: hi"}, bobConn.GetSent())
	assert.Empty(t, aliceConn.GetSent())

	// Bob drops without a close handshake.
	close(bobConn.frames)
	waitClosed(t, bobDone)

	assert.Equal(t, 1, hub.ClientCount())
	_, ok := hub.Get(bob.ID)
	assert.False(t, ok)
	assert.Equal(t, 1, bobConn.GetReleased())
	assert.Equal(t, []chat.EndReason{chat.ReasonTransportError}, rec.endReasons())

	result := hub.Broadcast(ctx, alice, "anyone?")
	assert.Equal(t, chat.BroadcastResult{}, result)
	assert.ErrorIs(t, hub.SendTo(ctx, alice, bob.ID, "hello?"), chat.ErrNotFound)

	cancel()
	waitClosed(t, aliceDone)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHub_HandleClient_PreservesSenderOrder(t *testing.T) {
	hub := chat.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice, aliceConn := register(t, hub, "alice")
	_, bobConn := register(t, hub, "bob")
	aliceDone := handle(ctx, hub, alice)

	want := make([]string, 0, 10)
	for i := range 10 {
		msg := fmt.Sprintf("line %d", i)
		aliceConn.pushText(msg)
		want = append(want, "alice: "+msg)
	}

	require.Eventually(t, func() bool {
		return len(bobConn.GetSent()) == len(want)
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, want, bobConn.GetSent())

	cancel()
	waitClosed(t, aliceDone)
}

func TestHub_HandleClient_SkipsBinary(t *testing.T) {
	hub := chat.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice, aliceConn := register(t, hub, "alice")
	_, bobConn := register(t, hub, "bob")
	aliceDone := handle(ctx, hub, alice)

	aliceConn.push(chat.Frame{Type: chat.FrameBinary, Payload: []byte{0x01}, Final: true})
	aliceConn.pushText("text")

	require.Eventually(t, func() bool {
		return len(bobConn.GetSent()) == 1
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, []string{"alice: text"}, bobConn.GetSent())

	cancel()
	waitClosed(t, aliceDone)
}

func TestHub_HandleClient_PeerClose(t *testing.T) {
	rec := &fakeRecorder{}
	hub := chat.NewHub(chat.WithRecorder(rec))

	alice, aliceConn := register(t, hub, "alice")
	aliceDone := handle(context.Background(), hub, alice)

	aliceConn.push(chat.Frame{Type: chat.FrameClose, Final: true, CloseCode: chat.StatusNormalClosure})
	waitClosed(t, aliceDone)

	assert.Equal(t, 0, hub.ClientCount())
	assert.Equal(t, []chat.EndReason{chat.ReasonClientRequested}, rec.endReasons())
	closes := aliceConn.GetCloses()
	require.Len(t, closes, 1)
	assert.Equal(t, chat.StatusNormalClosure, closes[0].code)
	<-alice.Done()
}

func TestHub_HandleClient_MessageTooBig(t *testing.T) {
	hub := chat.NewHub()

	alice, aliceConn := register(t, hub, "alice")
	_, bobConn := register(t, hub, "bob")
	aliceDone := handle(context.Background(), hub, alice)

	aliceConn.push(chat.Frame{
		Type:    chat.FrameText,
		Payload: make([]byte, chat.MaxMessageSize+1),
		Final:   true,
	})
	waitClosed(t, aliceDone)

	assert.Empty(t, bobConn.GetSent())
	assert.Equal(t, 1, hub.ClientCount())
	closes := aliceConn.GetCloses()
	require.Len(t, closes, 1)
	assert.Equal(t, chat.StatusMessageTooBig, closes[0].code)
}

func TestHub_HandleClient_RemovedByAdmin(t *testing.T) {
	rec := &fakeRecorder{}
	hub := chat.NewHub(chat.WithRecorder(rec))

	alice, aliceConn := register(t, hub, "alice")
	aliceDone := handle(context.Background(), hub, alice)

	require.True(t, hub.Remove(alice.ID))
	waitClosed(t, aliceDone)

	assert.Len(t, aliceConn.GetCloses(), 1)
	assert.Equal(t, 1, aliceConn.GetReleased())
	_, removed := rec.counts()
	assert.Equal(t, 1, removed, "removal is counted once")
}

func TestHub_HandleClient_CanceledBeforeReceive(t *testing.T) {
	rec := &fakeRecorder{}
	hub := chat.NewHub(chat.WithRecorder(rec))

	ctx, cancel := context.WithCancel(context.Background())
	conn := newMockConn("127.0.0.1:1234")
	alice, err := hub.CreateClient(ctx, conn, "alice")
	require.NoError(t, err)
	cancel()

	waitClosed(t, handle(ctx, hub, alice))

	assert.Equal(t, []chat.EndReason{chat.ReasonCanceled}, rec.endReasons())
	assert.Equal(t, 0, hub.ClientCount())
	assert.Equal(t, 1, conn.GetReleased())
}

func TestHub_HandleClient_ClosedBeforeReceive(t *testing.T) {
	rec := &fakeRecorder{}
	hub := chat.NewHub(chat.WithRecorder(rec))

	alice, _ := register(t, hub, "alice")
	alice.Close()

	waitClosed(t, handle(context.Background(), hub, alice))

	assert.Equal(t, []chat.EndReason{chat.ReasonClosed}, rec.endReasons())
	assert.Equal(t, 0, hub.ClientCount())
}
