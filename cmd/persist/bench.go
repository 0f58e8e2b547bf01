package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/KevoDB/persist/pkg/common/status"
	"github.com/KevoDB/persist/pkg/layout"
	"github.com/KevoDB/persist/pkg/persist"
)

var benchTypes = []string{"write", "tx-write", "read", "scan", "mixed"}

// benchResult stores the results of a benchmark
type benchResult struct {
	Type       string
	Sector     layout.SectorType
	ValueSize  int
	Operations int
	Entries    int // entries touched; a tx-write op stages several
	Errors     int
	Duration   time.Duration
	Timestamp  time.Time
}

func (r benchResult) throughput() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Operations) / r.Duration.Seconds()
}

func (r benchResult) latency() float64 {
	if r.Operations == 0 {
		return 0
	}
	return float64(r.Duration.Microseconds()) / float64(r.Operations)
}

func (r benchResult) bytesPerSec() uint64 {
	if r.Duration <= 0 {
		return 0
	}
	return uint64(float64(r.Entries*r.ValueSize) / r.Duration.Seconds())
}

func (r benchResult) String() string {
	return fmt.Sprintf("%-9s %8d ops in %6.2fs  %10.2f ops/sec  %8.3f µs/op  %6d entries  %s/sec  %d errors",
		r.Type, r.Operations, r.Duration.Seconds(), r.throughput(), r.latency(), r.Entries,
		humanize.IBytes(r.bytesPerSec()), r.Errors)
}

// saveResultsCSV writes benchmark results to a CSV file
func saveResultsCSV(results []benchResult, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{
		"Timestamp", "BenchmarkType", "Sector", "ValueSize", "Operations",
		"Entries", "Errors", "Duration", "Throughput", "Latency",
	}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, r := range results {
		record := []string{
			r.Timestamp.Format(time.RFC3339),
			r.Type,
			r.Sector.String(),
			strconv.Itoa(r.ValueSize),
			strconv.Itoa(r.Operations),
			strconv.Itoa(r.Entries),
			strconv.Itoa(r.Errors),
			fmt.Sprintf("%.3f", r.Duration.Seconds()),
			fmt.Sprintf("%.2f", r.throughput()),
			fmt.Sprintf("%.3f", r.latency()),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func (a *app) benchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark the persistence service on a LUN file",
		Long: `bench runs timed workloads against the --file LUN. Types are
` + strings.Join(benchTypes, ", ") + ` or all. Writes recycle the oldest entries
once the sector is full, so a benchmark runs for the whole duration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sector, err := layout.ParseSectorType(a.v.GetString("sector"))
			if err != nil {
				return err
			}
			types := strings.Split(a.v.GetString("type"), ",")
			if len(types) == 1 && types[0] == "all" {
				types = benchTypes
			}

			ctx := commandContext(cmd)
			sess, err := a.openSession(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer sess.Close()

			b := &bench{
				svc:       sess.svc,
				sector:    sector,
				duration:  a.v.GetDuration("duration"),
				valueSize: a.v.GetInt("value-size"),
				txSize:    a.v.GetInt("tx-size"),
				rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
				buf:       make([]byte, sess.svc.Layout().EntryCapacity()),
			}
			if b.valueSize <= 0 || b.valueSize > sess.svc.Layout().EntryCapacity() {
				return fmt.Errorf("value size must be between 1 and %d", sess.svc.Layout().EntryCapacity())
			}
			if b.txSize <= 0 || b.txSize > sess.svc.Layout().MaxTransactionEntries() {
				return fmt.Errorf("tx size must be between 1 and %d", sess.svc.Layout().MaxTransactionEntries())
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Benchmark Report (%s)\n", time.Now().Format(time.RFC3339))
			fmt.Fprintf(out, "Sector: %s, Value Size: %d bytes, Duration: %s\n", sector, b.valueSize, b.duration)

			var results []benchResult
			for _, typ := range types {
				r, err := b.run(ctx, strings.ToLower(strings.TrimSpace(typ)))
				if err != nil {
					return err
				}
				fmt.Fprintln(out, r)
				results = append(results, r)
			}

			if path := a.v.GetString("results"); path != "" {
				if err := saveResultsCSV(results, path); err != nil {
					return fmt.Errorf("failed to write results: %w", err)
				}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("type", "all", "comma separated benchmark types, or all")
	flags.Duration("duration", 5*time.Second, "duration of each benchmark")
	flags.Int("value-size", 256, "payload size in bytes")
	flags.Int("tx-size", 16, "entries per transaction for tx-write")
	flags.String("sector", layout.SectorScratchPad.String(), "sector to run against")
	flags.String("results", "", "CSV file to write results to")
	return cmd
}

// bench drives workloads against one sector, keeping the IDs it wrote.
type bench struct {
	svc       *persist.Service
	sector    layout.SectorType
	duration  time.Duration
	valueSize int
	txSize    int
	rng       *rand.Rand
	buf       []byte

	ids []layout.EntryID
}

func (b *bench) run(ctx context.Context, typ string) (benchResult, error) {
	r := benchResult{Type: typ, Sector: b.sector, ValueSize: b.valueSize, Timestamp: time.Now()}
	var step func(ctx context.Context, value []byte) (int, error)
	switch typ {
	case "write":
		step = b.write
	case "tx-write":
		step = b.txWrite
	case "read":
		step = b.read
	case "scan":
		step = b.scan
	case "mixed":
		step = func(ctx context.Context, value []byte) (int, error) {
			if b.rng.Intn(4) == 0 {
				return b.write(ctx, value)
			}
			return b.read(ctx, value)
		}
	default:
		return r, fmt.Errorf("unknown benchmark type: %s", typ)
	}

	value := make([]byte, b.valueSize)
	for i := range value {
		value[i] = byte(i % 256)
	}

	const maxConsecutiveErrors = 10
	consecutive := 0
	start := time.Now()
	deadline := start.Add(b.duration)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		n, err := step(ctx, value)
		if err != nil {
			r.Errors++
			consecutive++
			if consecutive >= maxConsecutiveErrors {
				return r, fmt.Errorf("%s benchmark: too many consecutive errors: %w", typ, err)
			}
			continue
		}
		consecutive = 0
		r.Operations++
		r.Entries += n
	}
	r.Duration = time.Since(start)
	return r, nil
}

// makeRoom deletes the oldest entries until n more fit in the sector.
func (b *bench) makeRoom(ctx context.Context, n int) error {
	capacity := int(b.svc.Layout().SectorEntries(b.sector))
	for len(b.ids)+n > capacity && len(b.ids) > 0 {
		if err := b.svc.DeleteSingle(ctx, b.ids[0]); err != nil && !errors.Is(err, status.ErrNotFound) {
			return err
		}
		b.ids = b.ids[1:]
	}
	return nil
}

func (b *bench) write(ctx context.Context, value []byte) (int, error) {
	if err := b.makeRoom(ctx, 1); err != nil {
		return 0, err
	}
	id, err := b.svc.WriteSingle(ctx, b.sector, value)
	if err != nil {
		return 0, err
	}
	b.ids = append(b.ids, id)
	return 1, nil
}

func (b *bench) txWrite(ctx context.Context, value []byte) (int, error) {
	if err := b.makeRoom(ctx, b.txSize); err != nil {
		return 0, err
	}
	h, err := b.svc.StartTransaction()
	if err != nil {
		return 0, err
	}
	for i := 0; i < b.txSize; i++ {
		if _, err := b.svc.WriteEntry(h, b.sector, value); err != nil {
			b.svc.AbortTransaction(h)
			return 0, err
		}
	}
	res, err := b.svc.Commit(ctx, h)
	if err != nil {
		b.svc.AbortTransaction(h)
		return 0, err
	}
	b.ids = append(b.ids, res.Written...)
	return len(res.Written), nil
}

func (b *bench) read(ctx context.Context, value []byte) (int, error) {
	if len(b.ids) == 0 {
		return b.write(ctx, value)
	}
	if _, err := b.svc.ReadEntry(ctx, b.ids[b.rng.Intn(len(b.ids))], b.buf); err != nil {
		return 0, err
	}
	return 1, nil
}

func (b *bench) scan(ctx context.Context, _ []byte) (int, error) {
	n := 0
	err := b.svc.ScanSector(ctx, b.sector, func(persist.Entry) error {
		n++
		return nil
	})
	return n, err
}
