package remote

import "testing"

func TestParseAddr(t *testing.T) {
	tests := []struct {
		in   string
		want Addr
	}{
		{"tcp://127.0.0.1:7800", Addr{Scheme: SchemeTCP, Host: "127.0.0.1:7800"}},
		{"unix:///run/blockd.sock", Addr{Scheme: SchemeUnix, Path: "/run/blockd.sock"}},
		{"vsock://3:1024", Addr{Scheme: SchemeVsock, CID: 3, Port: 1024}},
		{"firecracker:///srv/vm/v.sock?port=2048", Addr{Scheme: SchemeFirecracker, Path: "/srv/vm/v.sock", Port: 2048}},
		{"firecracker:///srv/vm/v.sock", Addr{Scheme: SchemeFirecracker, Path: "/srv/vm/v.sock", Port: DefaultVsockPort}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddr(tt.in)
			if err != nil {
				t.Fatalf("ParseAddr: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseAddr = %+v, want %+v", got, tt.want)
			}
			if got.String() != tt.in && tt.want.Scheme != SchemeFirecracker {
				t.Errorf("String() = %q, want %q", got.String(), tt.in)
			}
		})
	}
}

func TestParseAddrInvalid(t *testing.T) {
	for _, in := range []string{
		"",
		"tcp://hostonly",
		"unix://",
		"vsock://3",
		"vsock://x:1024",
		"vsock://3:99999999999",
		"http://example.com:80",
		"firecracker://",
	} {
		if _, err := ParseAddr(in); err == nil {
			t.Errorf("ParseAddr(%q): expected error", in)
		}
	}
}
