package netsend

import (
	"io"
	"net"
	"testing"

	"github.com/hmbdc-dev/tips/ring"
	"github.com/hmbdc-dev/tips/tagset"
	"github.com/hmbdc-dev/tips/tipsmsg"
	"github.com/hmbdc-dev/tips/wire"
)

func newTestEngineForCommands() *Engine {
	return &Engine{
		advertised:     tagset.New(),
		subscriberTags: tagset.New(),
	}
}

func TestHandleCommandSubscribeAddsToAggregate(t *testing.T) {
	e := newTestEngineForCommands()
	sub := &subscriber{tags: tagset.New()}

	e.handleCommand(sub, "+42")

	if !sub.tags.Check(42) {
		t.Fatal("expected subscriber's own tagset to have tag 42")
	}
	if !e.HasSubscriberFor(42) {
		t.Fatal("expected engine-wide aggregate to reflect tag 42")
	}
}

func TestHandleCommandUnsubscribeRemovesFromAggregate(t *testing.T) {
	e := newTestEngineForCommands()
	sub := &subscriber{tags: tagset.New()}

	e.handleCommand(sub, "+42")
	e.handleCommand(sub, "-42")

	if e.HasSubscriberFor(42) {
		t.Fatal("expected aggregate to drop tag 42 once the only subscriber unsubscribed")
	}
}

func TestHasSubscriberForReflectsMultipleSubscribers(t *testing.T) {
	e := newTestEngineForCommands()
	subA := &subscriber{tags: tagset.New()}
	subB := &subscriber{tags: tagset.New()}

	e.handleCommand(subA, "+10")
	e.handleCommand(subB, "+10")
	e.handleCommand(subA, "-10")

	if !e.HasSubscriberFor(10) {
		t.Fatal("expected tag 10 to still be wanted while subB remains subscribed")
	}
}

// TestDisconnectSlowestSubscriberEvictsFurthestBehind exercises the
// lastSeq-based eviction that replaced gating Claim on never-advanced
// ring reader slots: a subscriber more than one ring capacity behind
// the write head is the one dropped, regardless of how many other
// subscribers are connected.
func TestDisconnectSlowestSubscriberEvictsFurthestBehind(t *testing.T) {
	e := &Engine{outRing: ring.NewHistoryOnly[tipsmsg.MessageWrap[[]byte]](4)}
	for i := 0; i < 10; i++ {
		it := e.outRing.Claim(1)
		e.outRing.Commit(it, tipsmsg.MessageWrap[[]byte]{})
	}

	nearLocal, nearRemote := net.Pipe()
	defer nearRemote.Close()
	go io.Copy(io.Discard, nearRemote)
	farLocal, farRemote := net.Pipe()
	defer farRemote.Close()

	near := &subscriber{conn: nearLocal, alive: 1, lastSeq: 9}
	far := &subscriber{conn: farLocal, alive: 1, lastSeq: 0}
	e.subscribers = []*subscriber{near, far}

	e.disconnectSlowestSubscriber()

	if _, err := farLocal.Write([]byte("x")); err == nil {
		t.Fatal("expected the furthest-behind subscriber's conn to be closed")
	}
	if _, err := nearLocal.Write([]byte("x")); err != nil {
		t.Fatalf("expected the caught-up subscriber's conn to stay open, got %v", err)
	}
}

// TestDisconnectSlowestSubscriberLeavesCaughtUpSubscribersAlone
// confirms no eviction happens when every subscriber is within one
// ring capacity of the write head.
func TestDisconnectSlowestSubscriberLeavesCaughtUpSubscribersAlone(t *testing.T) {
	e := &Engine{outRing: ring.NewHistoryOnly[tipsmsg.MessageWrap[[]byte]](4)}
	it := e.outRing.Claim(1)
	e.outRing.Commit(it, tipsmsg.MessageWrap[[]byte]{})

	local, remote := net.Pipe()
	defer remote.Close()
	go io.Copy(io.Discard, remote)
	sub := &subscriber{conn: local, alive: 1, lastSeq: 0}
	e.subscribers = []*subscriber{sub}

	e.disconnectSlowestSubscriber()

	if _, err := local.Write([]byte("x")); err != nil {
		t.Fatalf("expected conn to remain open, got %v", err)
	}
}

// udpLoopback opens a UDP listener on loopback and a connected socket
// to it, for tests that need a real net.UDPConn to write through.
func udpLoopback(t *testing.T) (server *net.UDPConn, client *net.UDPConn) {
	t.Helper()
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	client, err = net.DialUDP("udp", nil, server.LocalAddr().(*net.UDPAddr))
	if err != nil {
		server.Close()
		t.Fatalf("DialUDP: %v", err)
	}
	return server, client
}

// TestEnqueueForSendFlushesAtMaxSendBatch confirms pending messages
// accumulate into one batched UDP datagram via wire.PackDatagram
// instead of one datagram per message once MaxSendBatch is reached.
func TestEnqueueForSendFlushesAtMaxSendBatch(t *testing.T) {
	server, client := udpLoopback(t)
	defer server.Close()
	defer client.Close()

	e := &Engine{
		cfg:     Config{MaxSendBatch: 2, MTU: 1500},
		udpConn: client,
	}

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 2048)
		n, _ := server.Read(buf)
		done <- buf[:n]
	}()

	head := tipsmsg.NewMessageHead(1007)
	if err := e.enqueueForSend(head, []byte("one")); err != nil {
		t.Fatalf("enqueueForSend: %v", err)
	}
	select {
	case <-done:
		t.Fatal("expected no flush before MaxSendBatch is reached")
	default:
	}
	if err := e.enqueueForSend(head, []byte("two")); err != nil {
		t.Fatalf("enqueueForSend: %v", err)
	}

	got := <-done
	var heads []tipsmsg.MessageHead
	var bodies [][]byte
	for len(got) > 0 {
		_, head, body, consumed, ok := wire.DecodeFrame(got)
		if !ok {
			t.Fatalf("DecodeFrame failed on remaining %d bytes", len(got))
		}
		heads = append(heads, head)
		bodies = append(bodies, append([]byte(nil), body...))
		got = got[consumed:]
	}
	if len(heads) != 2 {
		t.Fatalf("expected 2 packed frames, got %d", len(heads))
	}
	if string(bodies[0]) != "one" || string(bodies[1]) != "two" {
		t.Fatalf("unexpected packed bodies: %q %q", bodies[0], bodies[1])
	}
	if heads[0].TypeTag != 1007 || heads[1].TypeTag != 1007 {
		t.Fatalf("unexpected packed tags: %d %d", heads[0].TypeTag, heads[1].TypeTag)
	}
}

func TestAdvertisementBodyWithoutTags(t *testing.T) {
	got := advertisementBody(4242, nil)
	if got != "tcp=4242" {
		t.Fatalf("expected bare tcp body, got %q", got)
	}
}

func TestAdvertisementBodyWithTags(t *testing.T) {
	got := advertisementBody(4242, []uint16{1, 2, 3})
	want := "tcp=4242;tags=1,2,3"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
