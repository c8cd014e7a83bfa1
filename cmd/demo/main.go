package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/holiman/uint256"

	"github.com/ChuLiYu/milestone-escrow/internal/controller"
	"github.com/ChuLiYu/milestone-escrow/internal/escrow"
	"github.com/ChuLiYu/milestone-escrow/pkg/types"
)

// Crash recovery demo:
//
//	go run ./cmd/demo start     # run escrow traffic, press Ctrl+C (or kill -9) mid-way
//	go run ./cmd/demo recover   # restart from snapshot + journal and print the recovered state

const (
	walPath      = "data/demo/escrow.wal"
	snapshotPath = "data/demo/escrow.snapshot"
	payers       = 4
	payees       = 4
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	if err := os.MkdirAll("data/demo", 0o755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}

	ctrl, err := controller.NewController(controller.Config{
		WALPath:          walPath,
		SnapshotPath:     snapshotPath,
		SnapshotInterval: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}
	if err := ctrl.Start(); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	fmt.Printf("✓ Controller started (mode: %s)\n", mode)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	switch mode {
	case "start":
		if stats := ctrl.Stats(); stats.Total > 0 {
			fmt.Printf("\n⚠️  Found %d instances from a previous run (recovered from journal)\n", stats.Total)
			printStatus(ctrl)
			fmt.Printf("\n💡 Remove data/demo to start fresh\n")
			break
		}
		runTraffic(ctrl, sigChan)
	case "recover":
		fmt.Printf("\n📊 Status After Recovery:\n")
		printStatus(ctrl)
		fmt.Printf("\n⏰ Claimable after timeout: %d\n", len(ctrl.Claimable()))
	default:
		log.Fatalf("unknown mode %q", mode)
	}

	<-sigChan
	fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
	ctrl.Stop()
	fmt.Println("✓ Controller stopped")
}

// runTraffic credits payers, then creates, funds and settles instances at
// random until interrupted or the round limit is hit.
func runTraffic(ctrl *controller.Controller, sigChan <-chan os.Signal) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for i := 0; i < payers; i++ {
		if _, err := ctrl.Credit(ctx, account(0xa0, i), uint256.NewInt(1_000_000)); err != nil {
			log.Fatalf("credit: %v", err)
		}
	}

	var open []types.InstanceID
	ops, rejected := 0, 0
	for round := 0; round < 2000; round++ {
		select {
		case <-sigChan:
			fmt.Printf("\n\nInterrupted after %d operations (%d rejected)\n", ops, rejected)
			ctrl.Stop()
			fmt.Println("✓ Controller stopped, run 'recover' next")
			os.Exit(0)
		default:
		}

		var err error
		switch {
		case len(open) == 0 || rng.Intn(4) == 0:
			var r controller.Receipt
			count := 1 + rng.Intn(4)
			amount := uint256.NewInt(uint64(10 + rng.Intn(90)))
			total := new(uint256.Int).Mul(amount, uint256.NewInt(uint64(count)))
			r, err = ctrl.CreateAndFund(ctx, account(0xa0, rng.Intn(payers)), account(0xb0, rng.Intn(payees)), count, amount, total)
			if err == nil {
				open = append(open, r.InstanceID)
			}
		default:
			id := open[rng.Intn(len(open))]
			rec, qerr := ctrl.Instance(id)
			if qerr != nil {
				log.Fatalf("instance %s: %v", id.Hex(), qerr)
			}
			next := rec.PaidCount
			if rec.Complete() || rec.Cancelled || next >= rec.MilestoneCount {
				continue
			}
			switch rng.Intn(5) {
			case 0:
				_, err = ctrl.Cancel(ctx, rec.Payer, id)
			case 1, 2:
				_, err = ctrl.SubmitMilestone(ctx, rec.Payee, id, next)
			default:
				_, err = ctrl.ApproveMilestone(ctx, rec.Payer, id, next)
			}
		}
		ops++
		if err != nil {
			if !errors.Is(err, escrow.ErrNotSubmitted) && !errors.Is(err, escrow.ErrCannotCancel) && !errors.Is(err, escrow.ErrTransferFailed) {
				log.Fatalf("operation failed: %v", err)
			}
			rejected++
		}
		if round%200 == 0 {
			stats := ctrl.Stats()
			fmt.Printf("📊 Status: Total=%d, Active=%d, Completed=%d, Cancelled=%d\n",
				stats.Total, stats.Active, stats.Completed, stats.Cancelled)
		}
		time.Sleep(2 * time.Millisecond)
	}

	fmt.Printf("\n✓ Finished %d operations (%d rejected)\n", ops, rejected)
	printStatus(ctrl)
	fmt.Printf("\n💡 Press Ctrl+C to stop, then run 'recover'\n")
}

func printStatus(ctrl *controller.Controller) {
	status := ctrl.GetStatus()
	fmt.Printf("  Instances: %v\n", status["instances"])
	fmt.Printf("  Unfunded:  %v\n", status["unfunded"])
	fmt.Printf("  Active:    %v\n", status["active"])
	fmt.Printf("  Completed: %v\n", status["completed"])
	fmt.Printf("  Cancelled: %v\n", status["cancelled"])
	fmt.Printf("  ─────────────────\n")
	fmt.Printf("  Journal:   seq %v\n", status["journal_seq"])
	fmt.Printf("  Supply:    %v\n", status["supply"])
}

func account(prefix byte, i int) types.Address {
	var a types.Address
	a[18] = prefix
	a[19] = byte(i)
	return a
}
