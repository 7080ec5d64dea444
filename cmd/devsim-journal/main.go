package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"device-simulator/internal/journal"
	"device-simulator/internal/output"
)

func main() {
	var (
		dbPath     = flag.String("db", "data/journal.sqlite", "path to journal sqlite database")
		port       = flag.Int("port", 0, "only records for this device port")
		sessionID  = flag.String("session", "", "only records for this session id")
		errorsOnly = flag.Bool("errors", false, "only records that produced an error")
		limit      = flag.Int("limit", 50, "max number of records (0 = no limit)")
		outJSON    = flag.String("json", "", "write records to this JSON file")
		outCSV     = flag.String("csv", "", "write records to this CSV file")
		stats      = flag.Bool("stats", false, "print per-device record counts and exit")
	)
	flag.Parse()

	db, err := journal.OpenDB(*dbPath)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if *stats {
		counts, err := db.Stats(ctx)
		if err != nil {
			log.Fatalf("stats: %v", err)
		}
		b, _ := json.MarshalIndent(counts, "", "  ")
		fmt.Println(string(b))
		return
	}

	recs, err := db.Recent(ctx, journal.Filter{
		Port:       *port,
		SessionID:  *sessionID,
		ErrorsOnly: *errorsOnly,
		Limit:      *limit,
	})
	if err != nil {
		log.Fatalf("query: %v", err)
	}
	// oldest first for reading and export
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

	if *outJSON != "" {
		if err := output.WriteRecordsJSON(*outJSON, recs); err != nil {
			log.Printf("write json error: %v", err)
		}
	}
	if *outCSV != "" {
		if err := output.WriteRecordsCSV(*outCSV, recs); err != nil {
			log.Printf("write csv error: %v", err)
		}
	}
	if *outJSON != "" || *outCSV != "" {
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tDEVICE\tPORT\tSESSION\tLINE\tOUTPUT\tERROR")
	for _, r := range recs {
		out := r.Output
		if r.ErrorKind != "" {
			out = ""
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%.8s\t%q\t%q\t%s\n",
			r.Timestamp.Local().Format("2006-01-02 15:04:05"), r.Device, r.Port, r.SessionID, r.Line, out, r.ErrorKind)
	}
	w.Flush()
}
