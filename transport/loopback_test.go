package transport

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func expectEvent(t *testing.T, h Host, want EventType) Event {
	t.Helper()
	ev, err := h.Service(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != want {
		t.Fatalf("event = %v, want %v", ev.Type, want)
	}
	return ev
}

func TestLoopbackRoundTrip(t *testing.T) {
	l := NewLoopback()
	server, err := l.Listen("127.0.0.1", 9999, 4)
	if err != nil {
		t.Fatal(err)
	}
	client := l.Dial()

	peer, err := client.Connect("127.0.0.1", 9999)
	if err != nil {
		t.Fatal(err)
	}
	expectEvent(t, client, EventConnect)
	remote := expectEvent(t, server, EventConnect).Peer

	msg := []byte("hello")
	if err := peer.Send(UnreliableChannel, msg, Unsequenced); err != nil {
		t.Fatal(err)
	}
	msg[0] = 'j'
	ev := expectEvent(t, server, EventReceive)
	if ev.Peer != remote || ev.Channel != UnreliableChannel || !bytes.Equal(ev.Data, []byte("hello")) {
		t.Fatalf("received %+v, want hello from %v", ev, remote)
	}

	if err := remote.Send(ReliableChannel, []byte("world"), Reliable); err != nil {
		t.Fatal(err)
	}
	if ev := expectEvent(t, client, EventReceive); ev.Peer != peer || ev.Channel != ReliableChannel {
		t.Fatalf("received %+v on the client", ev)
	}

	peer.Disconnect()
	expectEvent(t, client, EventDisconnect)
	if ev := expectEvent(t, server, EventDisconnect); ev.Peer != remote {
		t.Fatalf("disconnect from %v, want %v", ev.Peer, remote)
	}
	if err := peer.Send(UnreliableChannel, msg, 0); err == nil {
		t.Fatal("send after disconnect succeeded")
	}
}

func TestLoopbackNobodyListening(t *testing.T) {
	l := NewLoopback()
	client := l.Dial()
	if _, err := client.Connect("127.0.0.1", 1); err != nil {
		t.Fatal(err)
	}
	if ev, err := client.Service(10 * time.Millisecond); err != nil || ev.Type != EventNone {
		t.Fatalf("Service = %v, %v, want nothing", ev.Type, err)
	}
}

func TestLoopbackPeerLimit(t *testing.T) {
	l := NewLoopback()
	server, err := l.Listen("localhost", 1000, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Listen("localhost", 1000, 1); err == nil {
		t.Fatal("second Listen on the same address succeeded")
	}

	first, second := l.Dial(), l.Dial()
	first.Connect("localhost", 1000)
	second.Connect("localhost", 1000)
	expectEvent(t, server, EventConnect)
	expectEvent(t, first, EventConnect)
	expectEvent(t, second, EventNone)
}

func TestLoopbackDestroy(t *testing.T) {
	l := NewLoopback()
	server, _ := l.Listen("localhost", 1000, 2)
	client := l.Dial()
	client.Connect("localhost", 1000)
	expectEvent(t, server, EventConnect)
	expectEvent(t, client, EventConnect)

	server.Destroy()
	expectEvent(t, client, EventDisconnect)
	if _, err := server.Service(0); !errors.Is(err, ErrHostDestroyed) {
		t.Fatalf("Service after Destroy = %v, want ErrHostDestroyed", err)
	}
	if _, err := l.Listen("localhost", 1000, 2); err != nil {
		t.Fatalf("address not released: %v", err)
	}
}
