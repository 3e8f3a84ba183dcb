// Command urpo-bench exercises the tiered engine end to end with
// synthetic spans: it ingests a burst of traces across a handful of
// services, runs the tier migrations for a few seconds, then prints a
// handful of queries against whatever tier ended up holding the data.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tiertrace/tiertrace/engine"
	"github.com/tiertrace/tiertrace/internal/config"
	"github.com/tiertrace/tiertrace/internal/query"
	"github.com/tiertrace/tiertrace/trace"
)

var services = []string{"checkout", "inventory", "payments", "shipping"}
var operations = []string{"GET /cart", "POST /charge", "POST /reserve", "GET /label"}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

func randomSpan(i int) *trace.Span {
	traceID, err := trace.ParseTraceID(randomHex(16))
	if err != nil {
		panic(err)
	}
	spanID, err := trace.ParseSpanID(randomHex(8))
	if err != nil {
		panic(err)
	}

	service := services[i%len(services)]
	op := operations[i%len(operations)]
	isError := i%37 == 0

	status := trace.Status{Code: trace.StatusOK}
	if isError {
		status = trace.Status{Code: trace.StatusError, Message: "downstream timeout"}
	}

	durationMS := 5 + i%50
	return &trace.Span{
		TraceID:       traceID,
		SpanID:        spanID,
		ServiceName:   service,
		OperationName: op,
		StartTime:     time.Now().UnixNano(),
		Duration:      int64(durationMS) * int64(time.Millisecond),
		Status:        status,
		Attributes: map[string]string{
			"http.url":    fmt.Sprintf("/api/v1/%s/%d", service, i),
			"http.method": "POST",
		},
	}
}

func main() {
	spanCount := flag.Int("spans", 50_000, "number of synthetic spans to ingest")
	hotCapacity := flag.Int("hot-capacity", 10_000, "hot ring capacity")
	warmCapacity := flag.Int("warm-capacity", 200_000, "warm store capacity")
	runFor := flag.Duration("run-for", 3*time.Second, "how long to let background migration run before querying")
	dir := flag.String("dir", "", "storage directory (defaults to a temp dir)")
	flag.Parse()

	storageDir := *dir
	if storageDir == "" {
		tmp, err := os.MkdirTemp("", "urpo-bench-")
		if err != nil {
			fmt.Fprintln(os.Stderr, "mkdir temp dir:", err)
			os.Exit(1)
		}
		storageDir = tmp
		defer os.RemoveAll(tmp)
	}

	cfg := config.New(
		config.WithStorageDir(storageDir),
		config.WithHotCapacity(*hotCapacity),
		config.WithWarmCapacity(*warmCapacity),
		config.WithHotRetention(2*time.Second),
		config.WithWarmRetention(30*time.Second),
		config.WithSamplingTargetTPS(1e9), // don't throttle for the demo
	)

	e, err := engine.New(cfg, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "engine.New:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "engine.Start:", err)
		os.Exit(1)
	}

	fmt.Printf("ingesting %d spans across %d services...\n", *spanCount, len(services))
	start := time.Now()
	var rejected int
	for i := 0; i < *spanCount; i++ {
		if err := e.Ingest(randomSpan(i)); err != nil {
			rejected++
		}
	}
	fmt.Printf("ingested in %s (%d rejected)\n", time.Since(start), rejected)

	fmt.Printf("letting tier migration run for %s...\n", *runFor)
	time.Sleep(*runFor)

	stats := e.Stats()
	fmt.Printf("stats: state=%s hot=%d/%d warm_cursor=%d/%d cold_partitions=%d dropped_head=%d dropped_tail=%d\n",
		stats.State, stats.HotLen, stats.HotCapacity, stats.WarmWriteCursor, stats.WarmCapacity,
		stats.ColdPartitions, stats.DroppedByHeadSampler, stats.DroppedByTailSampler)

	for _, svc := range services {
		results, err := e.Query(engine.QueryRequest{
			Filter: query.Compare{Field: query.FieldService, Op: query.OpEq, Value: query.Value{Str: svc}},
			Limit:  5,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "query %s: %v\n", svc, err)
			continue
		}
		fmt.Printf("service=%s matched=%d (showing up to 5)\n", svc, len(results))
		for _, s := range results {
			fmt.Printf("  trace=%s span=%s op=%s status=%s duration=%s\n",
				s.TraceID, s.SpanID, s.OperationName, s.Status.Code, time.Duration(s.Duration))
		}
	}

	errorResults, err := e.Query(engine.QueryRequest{
		Filter: query.Compare{Field: query.FieldStatus, Op: query.OpEq, Value: query.Value{Status: trace.StatusError}},
		Limit:  10,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error query:", err)
	} else {
		fmt.Printf("error spans matched=%d\n", len(errorResults))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx, 5*time.Second); err != nil {
		fmt.Fprintln(os.Stderr, "shutdown:", err)
		os.Exit(1)
	}
}
