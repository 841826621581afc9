package conn

import (
	"net"
	"testing"
	"time"
)

func TestDatagramReader_AppendsTerminator(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	r := newDatagramReader(pc)
	defer r.Close()

	out, err := net.Dial("udp", pc.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer out.Close()

	for _, msg := range []string{"$GNRMC,1*00", "$GNGGA,2*00\r\n"} {
		if _, err := out.Write([]byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	want := "$GNRMC,1*00\n$GNGGA,2*00\r\n"
	var got []byte
	buf := make([]byte, 4) // smaller than a datagram
	for len(got) < len(want) {
		n, err := r.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestUDPSource_BadAddress(t *testing.T) {
	if _, err := (UDPSource{Addr: "not-an-address"}).Open(); err == nil {
		t.Fatalf("expected error")
	}
}
