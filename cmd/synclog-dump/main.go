package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/INLOpen/synclog/core"
	"github.com/INLOpen/synclog/txnlog"
)

func main() {
	dir := flag.String("dir", "", "Txn log directory; dumps every segment in order")
	lastOnly := flag.Bool("last", false, "Only print the last logged txn id")
	payload := flag.Bool("payload", false, "Print payloads as hex")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	paths := flag.Args()
	if *dir != "" {
		if *lastOnly {
			id, ok, err := txnlog.LastTxnID(*dir)
			if err != nil {
				logger.Error("Failed to scan txn log", "dir", *dir, "error", err)
				os.Exit(1)
			}
			if !ok {
				fmt.Println("no records")
				return
			}
			fmt.Printf("%#x\n", id)
			return
		}
		ids, err := txnlog.ListSegments(*dir)
		if err != nil {
			logger.Error("Failed to list segments", "dir", *dir, "error", err)
			os.Exit(1)
		}
		for _, id := range ids {
			paths = append(paths, filepath.Join(*dir, txnlog.FormatSegmentFileName(id)))
		}
	}
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "usage: synclog-dump [-payload] (-dir <txnlog dir> [-last] | <segment>...)")
		os.Exit(2)
	}

	failed := false
	for _, path := range paths {
		if err := dumpSegment(os.Stdout, path, *payload); err != nil {
			logger.Error("Failed to dump segment", "path", path, "error", err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

// dumpSegment prints one line per record. A truncated final record is
// reported and ends the segment without failing.
func dumpSegment(w io.Writer, path string, withPayload bool) error {
	r, err := txnlog.OpenSegmentForRead(path)
	if err != nil {
		return err
	}
	defer r.Close()

	hdr := r.Header()
	fmt.Fprintf(w, "segment %s version=%d first_txn=%#x created=%s\n",
		path, hdr.Version, hdr.FirstTxnID, time.Unix(0, hdr.CreatedAt).UTC().Format(time.RFC3339Nano))

	count := 0
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, core.ErrTruncatedRecord) {
			fmt.Fprintf(w, "  truncated record after %d records\n", count)
			break
		}
		if err != nil {
			return fmt.Errorf("record %d: %w", count, err)
		}
		count++
		fmt.Fprintf(w, "  txn=%#x type=%s client=%#x cxid=%d time=%s len=%d\n",
			e.Header.TxnID, e.Header.Type, e.Header.ClientID, e.Header.CxID,
			time.UnixMilli(e.Header.Time).UTC().Format(time.RFC3339Nano), len(e.Payload))
		if withPayload && len(e.Payload) > 0 {
			fmt.Fprintf(w, "    %x\n", e.Payload)
		}
	}
	fmt.Fprintf(w, "  %d records\n", count)
	return nil
}
