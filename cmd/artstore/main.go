// artstore is an interactive shell for a crash-consistent ART key/value
// store.
//
// Usage:
//
//	artstore [path]
//
// If no path is given, artstore opens an in-memory store with no
// durability. Use .help for available commands.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"artpmem/pkg/art"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	regionSize := flag.Int64("region-size", 0, "initial backing region size in bytes (0 = default)")
	flag.Parse()

	path := ""
	if flag.NArg() > 0 {
		path = flag.Arg(0)
	}

	tree, err := art.Open(art.Options{RegionPath: path, RegionSize: *regionSize})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer tree.Close()

	r := &REPL{tree: tree, path: path}
	return r.Run()
}

// REPL is the interactive command loop for artstore: liner for
// readline-style input and history, a flat command switch, one cmdXxx
// method per command.
type REPL struct {
	tree  *art.Tree
	path  string
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".artstore_history")
}

func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	label := r.path
	if label == "" {
		label = ":memory:"
	}
	fmt.Printf("artstore - ART key/value store (%s)\n", label)
	fmt.Println("Type .help for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("artstore> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case ".exit", ".quit", ".q":
			fmt.Println("Bye!")
			r.saveHistory()
			return nil

		case ".help", "?":
			r.printHelp()

		case "put":
			r.cmdPut(args)

		case "get":
			r.cmdGet(args)

		case "rm", "del", "delete":
			r.cmdRemove(args)

		case "range":
			r.cmdRange(args)

		case ".stats":
			r.cmdStats()

		case ".recover":
			r.cmdRecover()

		default:
			fmt.Printf("Unknown command: %s (type .help for commands)\n", cmd)
		}
	}

	r.saveHistory()
	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{"put", "get", "rm", "del", "delete", "range", ".stats", ".recover", ".help", ".exit", ".quit"}
	var out []string
	lower := strings.ToLower(line)
	for _, c := range commands {
		if strings.HasPrefix(c, lower) {
			out = append(out, c)
		}
	}
	return out
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  put <key> <value>        Insert or update a key")
	fmt.Println("  get <key>                Look up a key")
	fmt.Println("  rm <key>                 Remove a key")
	fmt.Println("  range <lo> <hi> [limit]  Ordered scan, '-' means unbounded")
	fmt.Println("  .stats                   Show node/leaf counts and restart stats")
	fmt.Println("  .recover                 Re-run crash recovery against the open region")
	fmt.Println("  .help                    Show this help")
	fmt.Println("  .exit / .quit            Exit")
	fmt.Println()
	fmt.Println("Keys and values: hex (e.g. 'deadbeef') or plain text, tried in that order.")
}

// parseBytes tries hex first, falling back to the literal text.
func parseBytes(s string) []byte {
	if raw, err := hex.DecodeString(s); err == nil && len(s)%2 == 0 {
		return raw
	}
	return []byte(s)
}

func formatBytes(b []byte) string {
	printable := true
	for _, c := range b {
		if c < 32 || c > 126 {
			printable = false
			break
		}
	}
	if printable {
		return fmt.Sprintf("%q", string(b))
	}
	return hex.EncodeToString(b)
}

func (r *REPL) cmdPut(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: put <key> <value>")
		return
	}
	key := parseBytes(args[0])
	value := parseBytes(args[1])
	inserted, err := r.tree.Put(key, value)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if inserted {
		fmt.Printf("OK: inserted %s\n", formatBytes(key))
	} else {
		fmt.Printf("OK: updated %s\n", formatBytes(key))
	}
}

func (r *REPL) cmdGet(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: get <key>")
		return
	}
	key := parseBytes(args[0])
	value, err := r.tree.Get(key)
	if err == art.ErrNotFound {
		fmt.Println("(not found)")
		return
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("%s\n", formatBytes(value))
}

func (r *REPL) cmdRemove(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: rm <key>")
		return
	}
	key := parseBytes(args[0])
	if err := r.tree.Remove(key); err == art.ErrNotFound {
		fmt.Println("(not found)")
	} else if err != nil {
		fmt.Printf("Error: %v\n", err)
	} else {
		fmt.Printf("OK: removed %s\n", formatBytes(key))
	}
}

func (r *REPL) cmdRange(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: range <lo> <hi> [limit]  ('-' for an open bound)")
		return
	}
	var lo, hi []byte
	if args[0] != "-" {
		lo = parseBytes(args[0])
	}
	if args[1] != "-" {
		hi = parseBytes(args[1])
	}
	limit := 0
	if len(args) >= 3 {
		n, err := strconv.Atoi(args[2])
		if err != nil {
			fmt.Printf("Error parsing limit: %v\n", err)
			return
		}
		limit = n
	}

	kvs, err := r.tree.Range(lo, hi, limit)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	for _, kv := range kvs {
		fmt.Printf("%s = %s\n", formatBytes(kv.Key), formatBytes(kv.Value))
	}
	fmt.Printf("(%d entries)\n", len(kvs))
}

func (r *REPL) cmdStats() {
	s := r.tree.Stats()
	fmt.Printf("nodes:    %d (N4=%d N16=%d N48=%d N256=%d)\n", s.NodeCount, s.N4Count, s.N16Count, s.N48Count, s.N256Count)
	fmt.Printf("leaves:   %d\n", s.LeafCount)
	fmt.Printf("keys:     %d\n", s.KeyCount)
	fmt.Printf("restarts: %d\n", s.RestartCount)
	fmt.Printf("recovered slots: %d\n", s.RecoveredSlots)
}

func (r *REPL) cmdRecover() {
	if err := r.tree.Recover(); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println("OK: recovery pass complete")
}
