// replkvctl is a small HTTP client for a replkv cluster. Writes and
// admin commands follow the leader hint once when the contacted node
// is not the leader.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/replkv/replkv/internal/types"
)

func main() {
	var (
		addr     = flag.String("addr", "http://localhost:8080", "Address of any cluster node")
		command  = flag.String("command", "", "Command: get, put, delete, cas, status, config, add-node, remove-node, snapshot")
		key      = flag.String("key", "", "Key for get/put/delete/cas")
		value    = flag.String("value", "", "Value for put/cas")
		expected = flag.String("expected", "", "Expected current value for cas")
		clientID = flag.String("client-id", "", "Client ID for write dedupe")
		seq      = flag.Uint64("seq", 0, "Sequence number for write dedupe")
		nodeID   = flag.String("node-id", "", "Node ID for add-node/remove-node")
		nodeAddr = flag.String("node-addr", "", "Node address for add-node")
	)
	flag.Parse()

	if *command == "" {
		fmt.Fprintf(os.Stderr, "Error: -command is required\n")
		os.Exit(1)
	}

	var (
		method string
		path   string
		body   any
	)
	switch *command {
	case "get":
		requireFlag(*key, "-key")
		method, path = http.MethodGet, "/kv/"+*key
	case "put":
		requireFlag(*key, "-key")
		method, path = http.MethodPut, "/kv/"+*key
		body = map[string]any{"client_id": *clientID, "seq": *seq, "value": *value}
	case "delete":
		requireFlag(*key, "-key")
		method, path = http.MethodDelete, "/kv/"+*key
		body = map[string]any{"client_id": *clientID, "seq": *seq}
	case "cas":
		requireFlag(*key, "-key")
		method, path = http.MethodPost, "/kv/"+*key+"/cas"
		body = map[string]any{"client_id": *clientID, "seq": *seq, "expected": *expected, "value": *value}
	case "status":
		method, path = http.MethodGet, "/status"
	case "config":
		method, path = http.MethodGet, "/cluster/config"
	case "add-node":
		requireFlag(*nodeID, "-node-id")
		requireFlag(*nodeAddr, "-node-addr")
		method, path = http.MethodPost, "/cluster/add"
		body = map[string]any{"id": *nodeID, "addr": *nodeAddr}
	case "remove-node":
		requireFlag(*nodeID, "-node-id")
		method, path = http.MethodPost, "/cluster/remove"
		body = map[string]any{"id": *nodeID}
	case "snapshot":
		method, path = http.MethodPost, "/cluster/snapshot"
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", *command)
		os.Exit(1)
	}

	status, out, err := do(method, *addr+path, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Not the leader: retry once against the hinted address.
	if status == http.StatusTemporaryRedirect {
		var redirect struct {
			LeaderHint types.LeaderHint `json:"leader_hint"`
		}
		if jsonErr := json.Unmarshal(out, &redirect); jsonErr == nil && redirect.LeaderHint.LeaderAddr != "" {
			status, out, err = do(method, redirect.LeaderHint.LeaderAddr+path, body)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, out, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(out))
	}
	if status >= 400 || status == http.StatusTemporaryRedirect {
		os.Exit(1)
	}
}

func do(method, url string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, out, nil
}

func requireFlag(v, name string) {
	if v == "" {
		fmt.Fprintf(os.Stderr, "Error: %s is required\n", name)
		os.Exit(1)
	}
}
