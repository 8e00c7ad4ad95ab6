package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"trafficwatch/internal/dto"
	"trafficwatch/internal/repository/sqlite"
	"trafficwatch/internal/service/recorder"
)

// recover re-imports accident records that the server dead-lettered after
// exhausting its storage retries.
func main() {
	deadLetterPath := flag.String("dead-letter", "logs/dead_letter.jsonl", "Dead-letter file written by the server")
	dbPath := flag.String("db", "data/accidents.db", "Database path")
	truncate := flag.Bool("truncate", false, "Empty the dead-letter file when every record was imported")
	flag.Parse()

	fmt.Printf("Recovering accidents from %s into database %s\n", *deadLetterPath, *dbPath)

	records, err := recorder.ReadDeadLetters(*deadLetterPath)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No dead-letter file found, nothing to recover")
			return
		}
		log.Fatalf("Failed to read dead-letter file: %v", err)
	}
	if len(records) == 0 {
		fmt.Println("No records found to recover")
		return
	}

	db, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	repo := sqlite.NewAccidentRepository(db)

	// Recording is idempotent, so records that did reach the database are skipped.
	failed := 0
	for _, rec := range records {
		if err := repo.RecordAccident(context.Background(), rec); err != nil {
			log.Printf("⚠️  Failed to import %s: %v", rec.IncidentID, err)
			failed++
		}
	}

	fmt.Printf("✅ Imported %d of %d dead-lettered records\n", len(records)-failed, len(records))
	if failed > 0 {
		fmt.Printf("⚠️  %d records failed, dead-letter file kept\n", failed)
		os.Exit(1)
	}

	if *truncate {
		if err := os.Truncate(*deadLetterPath, 0); err != nil {
			log.Fatalf("Failed to truncate dead-letter file: %v", err)
		}
		fmt.Printf("🧹 Emptied %s\n", *deadLetterPath)
	}

	total, err := repo.GetTotalCount(&dto.AccidentFilter{})
	if err == nil {
		fmt.Printf("\n📊 Database Statistics:\n")
		fmt.Printf("   Total accidents: %d\n", total)
		if cameras, err := repo.GetCameras(); err == nil {
			for _, camera := range cameras {
				count, _ := repo.GetTotalCount(&dto.AccidentFilter{Camera: camera})
				fmt.Printf("      - %s: %d accidents\n", camera, count)
			}
		}
	}
}
