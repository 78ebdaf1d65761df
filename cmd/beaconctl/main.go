package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/route-beacon/bgp-beacon/internal/control"
)

// Exit codes: 0 success, 1 usage error, 2 daemon unreachable, 3 operation
// rejected by the daemon, 4 operation acknowledged but incomplete.
const (
	exitOK          = 0
	exitUsage       = 1
	exitUnreachable = 2
	exitRejected    = 3
	exitIncomplete  = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	socket := "/var/run/beacond.sock"
	var rest []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--socket", "-s":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "missing value for --socket")
				return exitUsage
			}
			socket = args[i+1]
			i++
		case "--help", "-h":
			printUsage()
			return exitOK
		default:
			rest = append(rest, args[i])
		}
	}
	if len(rest) == 0 {
		printUsage()
		return exitUsage
	}

	req, err := buildRequest(rest)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		printUsage()
		return exitUsage
	}

	client, err := control.Dial(socket)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot reach daemon: %v\n", err)
		return exitUnreachable
	}
	defer client.Close()

	resps, err := client.Do(*req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		return exitIncomplete
	}

	code := exitOK
	for _, resp := range resps {
		raw, _ := json.Marshal(resp.Rest)
		fmt.Println(string(raw))
		if resp.Type == "" && !resp.OK {
			code = exitRejected
		}
	}
	return code
}

// buildRequest maps CLI words onto the control protocol.
func buildRequest(words []string) (*control.Request, error) {
	switch words[0] {
	case "start", "stop", "reload", "ping":
		if len(words) != 1 {
			return nil, fmt.Errorf("%s takes no arguments", words[0])
		}
		return &control.Request{Cmd: words[0]}, nil

	case "peer":
		if len(words) < 2 {
			return nil, fmt.Errorf("peer requires a subcommand (list, show, reset)")
		}
		switch words[1] {
		case "list":
			return &control.Request{Cmd: "peer list"}, nil
		case "show":
			if len(words) != 3 {
				return nil, fmt.Errorf("peer show requires an address")
			}
			return &control.Request{Cmd: "peer show", Addr: words[2]}, nil
		case "reset":
			if len(words) < 3 {
				return nil, fmt.Errorf("peer reset requires an address")
			}
			req := &control.Request{Cmd: "peer reset", Addr: words[2], Mode: "hard"}
			if len(words) == 4 {
				switch words[3] {
				case "--soft":
					req.Mode = "soft"
				case "--hard":
					req.Mode = "hard"
				default:
					return nil, fmt.Errorf("unknown reset mode %s", words[3])
				}
			}
			return req, nil
		default:
			return nil, fmt.Errorf("unknown peer subcommand %s", words[1])
		}

	case "rib":
		if len(words) < 2 {
			return nil, fmt.Errorf("rib requires a subcommand (summary, in, out)")
		}
		switch words[1] {
		case "summary":
			return &control.Request{Cmd: "rib summary"}, nil
		case "in", "out":
			if len(words) != 3 {
				return nil, fmt.Errorf("rib %s requires an address", words[1])
			}
			return &control.Request{Cmd: "rib " + words[1], Addr: words[2]}, nil
		default:
			return nil, fmt.Errorf("unknown rib subcommand %s", words[1])
		}

	case "archive":
		if len(words) != 2 {
			return nil, fmt.Errorf("archive requires a subcommand (status, rollover, snapshot, retry)")
		}
		switch words[1] {
		case "status", "rollover", "snapshot", "retry":
			return &control.Request{Cmd: "archive " + words[1]}, nil
		default:
			return nil, fmt.Errorf("unknown archive subcommand %s", words[1])
		}

	default:
		return nil, fmt.Errorf("unknown command %s", words[0])
	}
}

func printUsage() {
	fmt.Println("Usage: beaconctl [--socket <path>] <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  start                          Probe the daemon")
	fmt.Println("  stop                           Stop the daemon")
	fmt.Println("  reload                         Reload the configuration")
	fmt.Println("  peer list                      List configured peers")
	fmt.Println("  peer show <addr>               Show one peer")
	fmt.Println("  peer reset <addr> [--soft|--hard]")
	fmt.Println("  rib summary                    Aggregate RIB counters")
	fmt.Println("  rib in <addr>                  Dump a peer's Adj-RIB-In")
	fmt.Println("  rib out <addr>                 Dump a peer's Adj-RIB-Out")
	fmt.Println("  archive status                 Archive and replication state")
	fmt.Println("  archive rollover               Seal the open segments now")
	fmt.Println("  archive snapshot               Dump the Adj-RIB-In as MRT")
	fmt.Println("  archive retry                  Requeue failed replication jobs")
}
