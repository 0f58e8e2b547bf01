package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/KevoDB/persist/pkg/layout"
	"github.com/KevoDB/persist/pkg/persist"
	"github.com/KevoDB/persist/pkg/transaction"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".layout"),
	readline.PcItem(".stats"),
	readline.PcItem(".exit"),
	readline.PcItem("BEGIN"),
	readline.PcItem("COMMIT"),
	readline.PcItem("ABORT"),
	readline.PcItem("WRITE", sectorItems()...),
	readline.PcItem("WRITEID", sectorItems()...),
	readline.PcItem("MODIFY"),
	readline.PcItem("DELETE"),
	readline.PcItem("VALIDATE"),
	readline.PcItem("READ", sectorItems()...),
	readline.PcItem("GET"),
	readline.PcItem("INFO"),
)

func sectorItems() []readline.PrefixCompleterInterface {
	var items []readline.PrefixCompleterInterface
	for _, t := range layout.Sectors() {
		items = append(items, readline.PcItem(t.String()))
	}
	return items
}

const helpText = `
Commands:
  .help                   - Show this help message
  .layout                 - Show the layout of the bound LUN
  .stats                  - Show service statistics
  .exit                   - Exit the program

  BEGIN                   - Begin a transaction
  COMMIT                  - Commit the current transaction
  ABORT                   - Abort the current transaction

  WRITE sector text       - Write an entry (staged inside a transaction)
  WRITEID sector text     - Stage a write prefixed with its final entry ID
  MODIFY id text          - Replace an entry's payload
  DELETE id               - Delete an entry
  VALIDATE id             - Check an ID against the current transaction

  READ sector             - List the live entries of a sector
  GET id                  - Print an entry's payload
  INFO id                 - Show where an entry lives

Sectors may be given by name (sep_objects) or number (1). Entry IDs are
decimal or 0x-prefixed hex.
`

func (a *app) shellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Open an interactive shell on a LUN file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			sess, err := a.openSession(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer sess.Close()
			return runInteractive(ctx, newShell(sess.svc, cmd.OutOrStdout()), sess.path)
		},
	}
}

// runInteractive reads commands with readline until .exit or EOF.
func runInteractive(ctx context.Context, sh *shell, path string) error {
	fmt.Fprintf(sh.out, "persist version %s\n", version)
	fmt.Fprintln(sh.out, "Enter .help for usage hints.")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "persist> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".persist_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	for {
		rl.SetPrompt(sh.prompt(filepath.Base(path)))

		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				break
			}
			return fmt.Errorf("failed to read input: %w", readErr)
		}

		if !sh.execute(ctx, line) {
			return nil
		}
	}

	sh.close()
	fmt.Fprintln(sh.out, "Goodbye!")
	return nil
}

// shell executes command lines against a bound service.
type shell struct {
	svc *persist.Service
	out io.Writer
	buf []byte

	tx   transaction.Handle
	inTx bool
}

func newShell(svc *persist.Service, out io.Writer) *shell {
	return &shell{
		svc: svc,
		out: out,
		buf: make([]byte, svc.Layout().EntryCapacity()),
	}
}

func (sh *shell) prompt(name string) string {
	if sh.inTx {
		return fmt.Sprintf("persist:%s[TX %s]> ", name, sh.tx)
	}
	return fmt.Sprintf("persist:%s> ", name)
}

func (sh *shell) errorf(format string, args ...interface{}) {
	fmt.Fprintf(sh.out, "Error: "+format+"\n", args...)
}

// close aborts an open transaction.
func (sh *shell) close() {
	if sh.inTx {
		sh.svc.AbortTransaction(sh.tx)
		sh.inTx = false
	}
}

// execute runs one command line and reports whether the shell should keep going.
func (sh *shell) execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToUpper(parts[0])

	if strings.HasPrefix(cmd, ".") {
		switch strings.ToLower(cmd) {
		case ".help":
			fmt.Fprint(sh.out, helpText)
		case ".layout":
			info, err := sh.svc.GetLayoutInfo()
			if err != nil {
				sh.errorf("%s", err)
				return true
			}
			printInfo(sh.out, info)
		case ".stats":
			sh.printStats()
		case ".exit":
			sh.close()
			fmt.Fprintln(sh.out, "Goodbye!")
			return false
		default:
			fmt.Fprintf(sh.out, "Unknown command: %s\n", parts[0])
		}
		return true
	}

	// text is everything after the first n fields
	text := func(n int) []byte {
		rest := strings.TrimSpace(line)
		for i := 0; i < n; i++ {
			rest = strings.TrimSpace(rest[len(strings.Fields(rest)[0]):])
		}
		return []byte(rest)
	}

	switch cmd {
	case "BEGIN":
		if sh.inTx {
			sh.errorf("transaction %s already in progress", sh.tx)
			return true
		}
		h, err := sh.svc.StartTransaction()
		if err != nil {
			sh.errorf("%s", err)
			return true
		}
		sh.tx, sh.inTx = h, true
		fmt.Fprintf(sh.out, "Started transaction %s\n", h)

	case "COMMIT":
		if !sh.inTx {
			sh.errorf("no transaction in progress")
			return true
		}
		start := time.Now()
		res, err := sh.svc.Commit(ctx, sh.tx)
		if err != nil {
			sh.errorf("commit failed: %s", err)
			return true
		}
		sh.inTx = false
		fmt.Fprintf(sh.out, "Transaction committed as sequence %d (%.2f ms)\n",
			res.Sequence, float64(time.Since(start).Microseconds())/1000.0)
		provisional := make([]layout.EntryID, 0, len(res.Assigned))
		for p := range res.Assigned {
			provisional = append(provisional, p)
		}
		sort.Slice(provisional, func(i, j int) bool { return provisional[i] < provisional[j] })
		for _, p := range provisional {
			fmt.Fprintf(sh.out, "  %s -> %s\n", p, res.Assigned[p])
		}

	case "ABORT":
		if !sh.inTx {
			sh.errorf("no transaction in progress")
			return true
		}
		if err := sh.svc.AbortTransaction(sh.tx); err != nil {
			sh.errorf("%s", err)
		}
		sh.inTx = false
		fmt.Fprintln(sh.out, "Transaction aborted")

	case "WRITE", "WRITEID":
		if len(parts) < 3 {
			sh.errorf("%s requires sector and text arguments", cmd)
			return true
		}
		t, err := layout.ParseSectorType(parts[1])
		if err != nil {
			sh.errorf("%s", err)
			return true
		}
		data := text(2)
		switch {
		case cmd == "WRITEID" && !sh.inTx:
			sh.errorf("WRITEID requires a transaction")
		case cmd == "WRITEID":
			id, err := sh.svc.WriteEntryWithAutoEntryIDOnTop(sh.tx, t, data)
			sh.report(err, "Staged %s", id)
		case sh.inTx:
			id, err := sh.svc.WriteEntry(sh.tx, t, data)
			sh.report(err, "Staged %s", id)
		default:
			id, err := sh.svc.WriteSingle(ctx, t, data)
			sh.report(err, "Written %s", id)
		}

	case "MODIFY":
		if len(parts) < 3 {
			sh.errorf("MODIFY requires id and text arguments")
			return true
		}
		id, err := layout.ParseEntryID(parts[1])
		if err != nil {
			sh.errorf("%s", err)
			return true
		}
		if sh.inTx {
			sh.report(sh.svc.ModifyEntry(sh.tx, id, text(2)), "Modified %s in transaction", id)
		} else {
			sh.report(sh.svc.ModifySingle(ctx, id, text(2)), "Modified %s", id)
		}

	case "DELETE":
		id, ok := sh.entryArg(parts)
		if !ok {
			return true
		}
		if sh.inTx {
			sh.report(sh.svc.DeleteEntry(sh.tx, id), "Deleted %s in transaction", id)
		} else {
			sh.report(sh.svc.DeleteSingle(ctx, id), "Deleted %s", id)
		}

	case "VALIDATE":
		id, ok := sh.entryArg(parts)
		if !ok {
			return true
		}
		if !sh.inTx {
			sh.errorf("VALIDATE requires a transaction")
			return true
		}
		sh.report(sh.svc.ValidateEntry(sh.tx, id), "%s is valid", id)

	case "READ":
		if len(parts) < 2 {
			sh.errorf("READ requires a sector argument")
			return true
		}
		t, err := layout.ParseSectorType(parts[1])
		if err != nil {
			sh.errorf("%s", err)
			return true
		}
		count := 0
		err = sh.svc.ScanSector(ctx, t, func(e persist.Entry) error {
			fmt.Fprintf(sh.out, "%s: %q\n", e.ID, e.Data)
			count++
			return nil
		})
		if err != nil {
			sh.errorf("%s", err)
			return true
		}
		fmt.Fprintf(sh.out, "%d entries found\n", count)

	case "GET":
		id, ok := sh.entryArg(parts)
		if !ok {
			return true
		}
		n, err := sh.svc.ReadEntry(ctx, id, sh.buf)
		if err != nil {
			sh.errorf("%s", err)
			return true
		}
		fmt.Fprintf(sh.out, "%q\n", sh.buf[:n])

	case "INFO":
		id, ok := sh.entryArg(parts)
		if !ok {
			return true
		}
		info, err := sh.svc.GetEntryInfo(id)
		if err != nil {
			sh.errorf("%s", err)
			return true
		}
		if !info.Exists {
			fmt.Fprintf(sh.out, "%s does not exist\n", id)
			return true
		}
		fmt.Fprintf(sh.out, "%s: sector %s, slot %d\n", id, info.Sector, info.Slot)

	default:
		fmt.Fprintf(sh.out, "Unknown command: %s\n", parts[0])
	}
	return true
}

func (sh *shell) entryArg(parts []string) (layout.EntryID, bool) {
	if len(parts) < 2 {
		sh.errorf("%s requires an entry id argument", strings.ToUpper(parts[0]))
		return 0, false
	}
	id, err := layout.ParseEntryID(parts[1])
	if err != nil {
		sh.errorf("%s", err)
		return 0, false
	}
	return id, true
}

func (sh *shell) report(err error, format string, args ...interface{}) {
	if err != nil {
		sh.errorf("%s", err)
		return
	}
	fmt.Fprintf(sh.out, format+"\n", args...)
}

func (sh *shell) printStats() {
	stats := sh.svc.Stats()
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if nested, ok := stats[k].(map[string]interface{}); ok {
			fmt.Fprintf(sh.out, "%s:\n", k)
			inner := make([]string, 0, len(nested))
			for ik := range nested {
				inner = append(inner, ik)
			}
			sort.Strings(inner)
			for _, ik := range inner {
				fmt.Fprintf(sh.out, "  %s: %v\n", ik, nested[ik])
			}
			continue
		}
		fmt.Fprintf(sh.out, "%s: %v\n", k, stats[k])
	}
}
