// Command proctailctl is a thin demonstration client for the ProcTail IPC
// endpoint: it dials the pipe endpoint, sends one length-framed JSON
// request, prints the length-framed JSON response, and exits.
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
)

func main() {
	pipeName := flag.String("pipe-name", "ProcTailIPC", "name (or absolute path) of the ProcTail IPC endpoint")
	requestType := flag.String("request", "GetStatus", "RequestType to send (AddWatchTarget, RemoveWatchTarget, GetWatchTargets, GetRecordedEvents, ClearEvents, GetStatus, Shutdown)")
	pid := flag.Int("pid", 0, "ProcessId argument for AddWatchTarget")
	tag := flag.String("tag", "", "TagName argument for AddWatchTarget, RemoveWatchTarget, GetRecordedEvents, ClearEvents")
	maxCount := flag.Int("max-count", 50, "MaxCount argument for GetRecordedEvents")
	force := flag.Bool("force", false, "Force argument for Shutdown")
	flag.Parse()

	req := map[string]any{"RequestType": *requestType}
	if *pid != 0 {
		req["ProcessId"] = *pid
	}
	if *tag != "" {
		req["TagName"] = *tag
	}
	if *maxCount != 0 {
		req["MaxCount"] = *maxCount
	}
	if *force {
		req["Force"] = true
	}

	conn, err := dial(*pipeName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "proctailctl: dial: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	payload, err := json.Marshal(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "proctailctl: encode request: %v\n", err)
		os.Exit(1)
	}
	if err := writeFrame(conn, payload); err != nil {
		fmt.Fprintf(os.Stderr, "proctailctl: write request: %v\n", err)
		os.Exit(1)
	}

	resp, err := readFrame(conn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "proctailctl: read response: %v\n", err)
		os.Exit(1)
	}

	var pretty map[string]any
	if err := json.Unmarshal(resp, &pretty); err != nil {
		os.Stdout.Write(resp)
		fmt.Println()
		return
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		os.Stdout.Write(resp)
		fmt.Println()
		return
	}
	fmt.Println(string(out))
}

// dial connects to the IPC endpoint as a Unix domain socket on every
// platform (matching internal/pipeendpoint's non-Windows Listen behavior);
// this client does not dial Windows named pipes.
func dial(pipeName string) (net.Conn, error) {
	return net.Dial("unix", socketPath(pipeName))
}

// socketPath mirrors internal/pipeendpoint's resolution of a bare endpoint
// name to its default socket directory, without importing that
// (unix-build-tagged) package into a CLI that must also build elsewhere.
func socketPath(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name
	}
	return "/var/run/proctail/" + name + ".sock"
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
