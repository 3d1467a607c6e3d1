package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/srm-lifecycle/internal/backend/fsbackend"
	"github.com/ChuLiYu/srm-lifecycle/internal/controller"
	"github.com/ChuLiYu/srm-lifecycle/internal/jobmanager"
	"github.com/ChuLiYu/srm-lifecycle/internal/logging"
	"github.com/ChuLiYu/srm-lifecycle/internal/request"
	"github.com/ChuLiYu/srm-lifecycle/internal/storage/filestore"
	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

const (
	demoRequests = 200
	filesPerReq  = 3
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <start|recover> [dir]")
		os.Exit(1)
	}
	mode := os.Args[1]
	dir := filepath.Join(os.TempDir(), "srm-demo")
	if len(os.Args) > 2 {
		dir = os.Args[2]
	}

	restore, err := logging.Setup("info", "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer restore()

	ctrl, err := open(dir)
	if err != nil {
		zap.L().Fatal("failed to create controller", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		zap.L().Fatal("failed to start controller", zap.Error(err))
	}
	fmt.Printf("✓ Controller started (mode: %s, dir: %s)\n", mode, dir)

	switch mode {
	case "start":
		runStart(ctx, ctrl)
	case "recover":
		runRecover(ctx, ctrl)
	default:
		fmt.Printf("unknown mode %q\n", mode)
	}

	<-ctx.Done()
	fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
	if err := ctrl.Stop(); err != nil {
		zap.L().Error("stop", zap.Error(err))
	}
	fmt.Println("✓ Controller stopped")
}

func open(dir string) (*controller.Controller, error) {
	root := filepath.Join(dir, "storage")
	if err := os.MkdirAll(filepath.Join(root, "tape"), 0o755); err != nil {
		return nil, err
	}
	for i := 0; i < demoRequests*filesPerReq; i++ {
		p := filepath.Join(root, "tape", fmt.Sprintf("file-%04d.dat", i))
		if _, err := os.Stat(p); err == nil {
			continue
		}
		if err := os.WriteFile(p, []byte("payload"), 0o644); err != nil {
			return nil, err
		}
	}

	be, err := fsbackend.New(fsbackend.Config{Root: root})
	if err != nil {
		return nil, err
	}
	store, err := filestore.Open(filestore.Options{Dir: filepath.Join(dir, "journal")})
	if err != nil {
		return nil, err
	}

	cfg := controller.DefaultConfig()
	cfg.WorkerCount = 8
	cfg.RatePerSecond = 200
	cfg.Burst = 20
	cfg.CheckpointInterval = 5 * time.Second
	return controller.New(cfg, controller.Deps{Store: store, Backend: be})
}

func runStart(ctx context.Context, ctrl *controller.Controller) {
	if st := ctrl.GetStats(); total(st.Requests) > 0 {
		fmt.Printf("\n⚠️  Found %d requests from a previous run\n", total(st.Requests))
		printStats("Current Status", st)
		fmt.Println("\n💡 Run the demo with 'recover' to reactivate them, or remove the directory to restart fresh")
		return
	}

	for i := 0; i < demoRequests; i++ {
		spec := controller.SubmitSpec{
			Kind:        types.KindBringOnline,
			Description: fmt.Sprintf("demo-%03d", i),
			Get:         &types.GetParams{PinLifetime: time.Hour},
		}
		for j := 0; j < filesPerReq; j++ {
			spec.Files = append(spec.Files, request.FileSpec{
				SURL: fmt.Sprintf("/tape/file-%04d.dat", i*filesPerReq+j),
			})
		}
		if _, err := ctrl.Submit(ctx, spec); err != nil {
			zap.L().Fatal("submit", zap.Error(err))
		}
	}
	fmt.Printf("✓ Submitted %d requests (%d files)\n", demoRequests, demoRequests*filesPerReq)
	fmt.Printf("💡 Press Ctrl+C NOW to stop with requests still queued\n\n")

	for i := 0; i < 20; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
			st := ctrl.GetStats()
			fmt.Printf("📊 Files: queued=%d running=%d done=%d\n",
				st.Files[types.StateQueued], st.Files[types.StateRunning]+st.Files[types.StateAsyncWait], st.Files[types.StateDone])
		}
	}
	printStats("Status Snapshot (after 2 seconds)", ctrl.GetStats())
}

// runRecover polls every restored request once, which is what a client
// reconnecting after a restart would do.
func runRecover(ctx context.Context, ctrl *controller.Controller) {
	st := ctrl.GetStats()
	printStats("Immediate Status After Recovery", st)

	rs := types.StateRestored
	restored := ctrl.List(jobmanager.Filter{State: &rs})
	fmt.Printf("\n⏳ Polling %d restored requests...\n", len(restored))
	for _, s := range restored {
		if _, err := ctrl.Status(ctx, s.RequestID); err != nil {
			zap.L().Warn("status", zap.Int64("request_id", s.RequestID), zap.Error(err))
		}
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
	}
	printStats("Final Status (after processing)", ctrl.GetStats())
}

func printStats(title string, st controller.Stats) {
	fmt.Printf("\n📊 %s:\n", title)
	for _, s := range []types.State{
		types.StatePending, types.StateRestored, types.StateRunning,
		types.StateDone, types.StateFailed, types.StateCanceled,
	} {
		fmt.Printf("  %-9s %d\n", s.String()+":", st.Requests[s])
	}
	fmt.Printf("  ─────────────────\n")
	fmt.Printf("  Total:    %d\n", total(st.Requests))
}

func total(m map[types.State]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
