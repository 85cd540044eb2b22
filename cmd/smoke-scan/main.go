package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"veriscan.app/internal/client"
)

// Smoke test against a running instance: provisions a guest, spends, buys a
// pack, replays the purchase, scans the same payload twice, and checks that
// every balance and dedup invariant held.
func main() {
	base := os.Getenv("VERISCAN_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}

	c := client.New(base, 10*time.Second)
	ctx, cancel := client.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	deviceID := fmt.Sprintf("smoke-device-%d", rand.Int63())

	sess, err := c.GuestAuth(ctx, deviceID)
	if err != nil {
		log.Fatalf("guest auth: %v", err)
	}
	start := sess.TokenBalance

	again, err := c.GuestAuth(ctx, deviceID)
	if err != nil {
		log.Fatalf("guest auth repeat: %v", err)
	}
	if again.SubjectID != sess.SubjectID {
		log.Fatalf("device did not converge: %s vs %s", again.SubjectID, sess.SubjectID)
	}
	if again.TokenBalance != start {
		log.Fatalf("repeat provisioning changed the balance: %d -> %d", start, again.TokenBalance)
	}

	bal, err := c.Consume(ctx, deviceID)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}
	if bal != start-1 {
		log.Fatalf("consume accounting failed: %d -> %d", start, bal)
	}

	txn := fmt.Sprintf("smoke-txn-%d", rand.Int63())
	bought, err := c.Purchase(ctx, "pack_15", txn)
	if err != nil {
		log.Fatalf("purchase: %v", err)
	}
	if bought.Replayed || bought.TokenBalance != bal+bought.TokensAdded {
		log.Fatalf("purchase accounting failed: %+v after balance %d", bought, bal)
	}

	replay, err := c.Purchase(ctx, "pack_15", txn)
	if err != nil {
		log.Fatalf("purchase replay: %v", err)
	}
	if !replay.Replayed || replay.TokenBalance != bought.TokenBalance {
		log.Fatalf("replay granted twice: %+v", replay)
	}

	img := []byte(fmt.Sprintf("smoke-image-%d", rand.Int63()))
	first, err := c.Analyze(ctx, client.AnalyzeRequest{Image: img, ContentType: "image/png", DeviceID: deviceID})
	if err != nil {
		log.Fatalf("analyze: %v", err)
	}
	if first.Replayed || first.TokenBalance != bought.TokenBalance-1 {
		log.Fatalf("analyze accounting failed: %+v", first)
	}

	second, err := c.Analyze(ctx, client.AnalyzeRequest{Image: img, ContentType: "image/png", DeviceID: deviceID})
	if err != nil {
		log.Fatalf("analyze retry: %v", err)
	}
	if !second.Replayed || second.Record.ScanID != first.Record.ScanID {
		log.Fatalf("retry did not converge: %+v vs %+v", second.Record, first.Record)
	}
	if second.TokenBalance != first.TokenBalance-1 {
		log.Fatalf("retry spend missing: %d -> %d", first.TokenBalance, second.TokenBalance)
	}

	page, err := c.ListScans(ctx, 10, 0)
	if err != nil {
		log.Fatalf("list scans: %v", err)
	}
	found := false
	for _, rec := range page.Items {
		if rec.ScanID == first.Record.ScanID {
			found = true
			break
		}
	}
	if !found {
		log.Fatalf("scan %s missing from history", first.Record.ScanID)
	}

	fmt.Printf("✅ scan smoke test passed: subject=%s scans=%d balance=%d\n",
		sess.SubjectID, len(page.Items), second.TokenBalance)
}
