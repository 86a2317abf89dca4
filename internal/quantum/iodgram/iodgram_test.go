package iodgram

import (
	"testing"
	"time"
)

func TestLoopbackSendReceive(t *testing.T) {
	server, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Close()

	client, err := Dial(server.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if err := client.Send(nil, nil, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case dgram := <-server.Datagrams():
		if string(dgram.Data) != "hello" {
			t.Errorf("got %q, want %q", dgram.Data, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestLocalPortNonZero(t *testing.T) {
	s, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()
	if s.LocalPort() == 0 {
		t.Error("LocalPort() should not be 0 after binding")
	}
}
