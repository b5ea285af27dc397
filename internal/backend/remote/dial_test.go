package remote

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// shortSocketPath returns a unix socket path short enough for sun_path.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "bio")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "v.sock")
}

// fakeBridge mimics Firecracker's host-side vsock UDS: it answers the
// CONNECT handshake with reply and then echoes extra into the stream.
func fakeBridge(t *testing.T, path, reply, extra string) {
	t.Helper()
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil || !strings.HasPrefix(line, "CONNECT ") {
			return
		}
		// Handshake reply and the first payload bytes in one write, so
		// the client's buffered reader reads ahead.
		conn.Write([]byte(reply + extra))
		time.Sleep(100 * time.Millisecond)
	}()
}

func TestDialFirecrackerHandshake(t *testing.T) {
	path := shortSocketPath(t)
	fakeBridge(t, path, "OK 1073741824\n", "payload")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, Addr{Scheme: SchemeFirecracker, Path: path, Port: 1024})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, len("payload"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "payload" {
		t.Errorf("read %q after handshake, want payload", buf)
	}
}

func TestDialFirecrackerRejected(t *testing.T) {
	path := shortSocketPath(t)
	fakeBridge(t, path, "ERR no listener\n", "")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := Dial(ctx, Addr{Scheme: SchemeFirecracker, Path: path, Port: 1024}); err == nil {
		t.Error("expected error for rejected CONNECT, got nil")
	}
}

func TestDialCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Dial(ctx, Addr{Scheme: SchemeUnix, Path: "/nonexistent/blockd.sock"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "context canceled") {
		t.Errorf("err = %v, want context canceled", err)
	}
}

func TestListenFirecrackerUnsupported(t *testing.T) {
	if _, err := Listen(Addr{Scheme: SchemeFirecracker, Path: "/tmp/x.sock"}); err == nil {
		t.Error("expected error listening on firecracker address")
	}
}
