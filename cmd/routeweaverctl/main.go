package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fullbrightkay/routeweaver/internal/adminapi"
	"github.com/fullbrightkay/routeweaver/internal/config"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	os.Args = append(os.Args[:1], os.Args[2:]...)

	switch cmd {
	case "peers":
		cmdPeers()
	case "router":
		cmdRouter()
	case "handshakes":
		cmdHandshakes()
	case "version":
		fmt.Printf("routeweaverctl %s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: routeweaverctl <command> [options]

Commands:
  peers       List connected peers
  router      Show router forwarding scores
  handshakes  Show in-progress handshakes
  version     Show version
  help        Show this help

Every command reads the daemon's own config file via --config-location
to derive the diagnostics API token; it never needs a separately
distributed secret.`)
}

// client builds an authenticated client for the diagnostics API using
// the same identity-derived secret the daemon itself signs tokens
// with, so a valid token can be minted locally from nothing but the
// config file the daemon was started with.
func client(fs *flag.FlagSet) *apiClient {
	configLocation := fs.String("config-location", "", "path to the daemon's TOML config file (required)")
	adminAddr := fs.String("admin-addr", "", "diagnostics API address (defaults to the config's admin_listen)")
	fs.Parse(os.Args[1:])

	if *configLocation == "" {
		fmt.Fprintln(os.Stderr, "error: --config-location is required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configLocation)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	id, err := cfg.ResolveIdentity(*configLocation)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error resolving identity: %v\n", err)
		os.Exit(1)
	}

	addr := cfg.AdminListen
	if *adminAddr != "" {
		addr = *adminAddr
	}
	if addr == "" {
		fmt.Fprintln(os.Stderr, "error: no admin_listen in config and no --admin-addr given")
		os.Exit(1)
	}

	secret := adminapi.DeriveSecret(id.Private)
	token, err := adminapi.IssueToken(secret, time.Minute)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error minting token: %v\n", err)
		os.Exit(1)
	}

	return &apiClient{base: "http://" + addr, token: token}
}

// --- Peers command ---

func cmdPeers() {
	fs := flag.NewFlagSet("peers", flag.ExitOnError)
	c := client(fs)

	var out []struct {
		PublicKey string `json:"public_key"`
	}
	if err := c.get("/v1/peers", &out); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PUBLIC KEY")
	for _, p := range out {
		fmt.Fprintf(w, "%s\n", p.PublicKey)
	}
	w.Flush()
}

// --- Router command ---

func cmdRouter() {
	fs := flag.NewFlagSet("router", flag.ExitOnError)
	c := client(fs)

	var out []struct {
		PublicKey string  `json:"public_key"`
		Score     float64 `json:"score"`
	}
	if err := c.get("/v1/router/stats", &out); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PUBLIC KEY\tSCORE")
	for _, s := range out {
		fmt.Fprintf(w, "%s\t%.3f\n", s.PublicKey, s.Score)
	}
	w.Flush()
}

// --- Handshakes command ---

func cmdHandshakes() {
	fs := flag.NewFlagSet("handshakes", flag.ExitOnError)
	c := client(fs)

	var out []struct {
		PublicKey string    `json:"public_key"`
		Initiator bool      `json:"initiator"`
		Anonymous bool      `json:"anonymous"`
		CreatedAt time.Time `json:"created_at"`
	}
	if err := c.get("/v1/handshakes", &out); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PUBLIC KEY\tINITIATOR\tANONYMOUS\tCREATED AT")
	for _, h := range out {
		fmt.Fprintf(w, "%s\t%v\t%v\t%s\n", h.PublicKey, h.Initiator, h.Anonymous, h.CreatedAt.Format(time.RFC3339))
	}
	w.Flush()
}

// --- HTTP client helper ---

type apiClient struct {
	base  string
	token string
}

func (c *apiClient) get(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
