package control

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-beacon/internal/config"
	"github.com/route-beacon/bgp-beacon/internal/server"
)

func testDaemon(t *testing.T) (string, *server.Supervisor) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Global.ASN = 65001
	cfg.Global.RouterID = "192.0.2.1"
	cfg.Global.Listen = false
	cfg.Peers = []config.PeerConfig{{
		Address:          "192.0.2.2",
		RemoteAS:         65002,
		RemotePort:       179,
		HoldTimeSecs:     90,
		ConnectRetrySecs: 60,
		Passive:          true,
	}}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	sup := server.New(cfg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	if err := sup.Start(ctx); err != nil {
		t.Fatal(err)
	}

	socket := filepath.Join(t.TempDir(), "beacond.sock")
	srv := NewServer(sup, "", socket, func() {}, zap.NewNop())
	go srv.Run(ctx)

	t.Cleanup(func() {
		cancel()
		sup.Stop()
	})

	// Wait for the socket to appear.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", socket); err == nil {
			conn.Close()
			return socket, sup
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("control socket never came up")
	return "", nil
}

func TestControl_Ping(t *testing.T) {
	socket, _ := testDaemon(t)
	c, err := Dial(socket)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	resps, err := c.Do(Request{Cmd: "ping"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resps) != 1 || !resps[0].OK {
		t.Fatalf("ping responses %+v", resps)
	}
}

func TestControl_PeerListStreams(t *testing.T) {
	socket, _ := testDaemon(t)
	c, err := Dial(socket)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	resps, err := c.Do(Request{Cmd: "peer list"})
	if err != nil {
		t.Fatal(err)
	}
	// One row per peer plus the end marker.
	if len(resps) != 2 {
		t.Fatalf("responses %d", len(resps))
	}
	if resps[0].Type != "row" {
		t.Fatalf("first response %+v", resps[0])
	}
	if resps[0].Data["address"] != "192.0.2.2" {
		t.Fatalf("row data %+v", resps[0].Data)
	}
	if resps[1].Type != "end" {
		t.Fatalf("terminator %+v", resps[1])
	}
}

func TestControl_PeerShowUnknownAddr(t *testing.T) {
	socket, _ := testDaemon(t)
	c, err := Dial(socket)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	resps, err := c.Do(Request{Cmd: "peer show", Addr: "198.51.100.99"})
	if err != nil {
		t.Fatal(err)
	}
	if resps[0].OK || resps[0].Error == nil || resps[0].Error.Kind != KindNotFound {
		t.Fatalf("response %+v", resps[0])
	}
}

func TestControl_SoftResetOnIdlePeerRejected(t *testing.T) {
	socket, _ := testDaemon(t)
	c, err := Dial(socket)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	resps, err := c.Do(Request{Cmd: "peer reset", Addr: "192.0.2.2", Mode: "soft"})
	if err != nil {
		t.Fatal(err)
	}
	if resps[0].OK || resps[0].Error.Kind != KindRejected {
		t.Fatalf("response %+v", resps[0])
	}
}

func TestControl_UnknownCommand(t *testing.T) {
	socket, _ := testDaemon(t)
	c, err := Dial(socket)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	resps, err := c.Do(Request{Cmd: "frobnicate"})
	if err != nil {
		t.Fatal(err)
	}
	if resps[0].OK || resps[0].Error.Kind != KindUnknownCommand {
		t.Fatalf("response %+v", resps[0])
	}
}

func TestControl_MalformedRequestClosesConn(t *testing.T) {
	socket, _ := testDaemon(t)
	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("this is not json\n")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) == "" {
		t.Fatal("no error response")
	}
	// The connection is closed after the error response.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("connection stayed open after malformed request")
	}
}

func TestControl_ArchiveRolloverDisabled(t *testing.T) {
	socket, _ := testDaemon(t)
	c, err := Dial(socket)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	resps, err := c.Do(Request{Cmd: "archive rollover"})
	if err != nil {
		t.Fatal(err)
	}
	if resps[0].OK || resps[0].Error.Kind != KindRejected {
		t.Fatalf("response %+v", resps[0])
	}
}

func TestControl_RIBSummary(t *testing.T) {
	socket, _ := testDaemon(t)
	c, err := Dial(socket)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	resps, err := c.Do(Request{Cmd: "rib summary"})
	if err != nil {
		t.Fatal(err)
	}
	if !resps[0].OK {
		t.Fatalf("response %+v", resps[0])
	}
	rib, ok := resps[0].Rest["rib"].(map[string]any)
	if !ok {
		t.Fatalf("rib payload %+v", resps[0].Rest)
	}
	if rib["peers_total"].(float64) != 1 {
		t.Fatalf("peers_total %v", rib["peers_total"])
	}
}
