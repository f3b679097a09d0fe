package supv_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/supv"
)

func TestWorkerTreeLifecycle(t *testing.T) {
	sup := supv.NewSupervisor("root", 3, time.Minute)
	sup.Add(supv.Erase(supv.NewWorker(supv.WorkerSpec[struct{}]{
		Name: "idle",
		Run:  func(ctx context.Context) error { <-ctx.Done(); return nil },
	})))

	st := sup.Start(context.Background())
	select {
	case <-st.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("start did not resolve")
	}
	res := st.Result()
	if res.Outcome != supv.StartStarted {
		t.Fatalf("outcome = %v (%v), want started", res.Outcome, res.Err)
	}

	var sn supv.Snapshotter = sup
	snap := sn.Snapshot()
	if snap.Name != "root" || len(snap.Children) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	res.Child.Halt()
	select {
	case <-res.Child.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("tree did not stop")
	}
	if exit := res.Child.Exit(); exit.Outcome != supv.ExitFinished {
		t.Fatalf("exit = %v, want finished", exit.Outcome)
	}
}

func TestRefSenderFacade(t *testing.T) {
	typed := supv.NewWorker(supv.WorkerSpec[chan int]{
		Name: "box",
		Init: func(ctx context.Context) (chan int, error) { return make(chan int, 1), nil },
		Run:  func(ctx context.Context) error { <-ctx.Done(); return nil },
	})
	spec, refs := supv.NewRefSender(typed)

	sup := supv.NewSupervisor("root", 1, time.Minute)
	sup.Add(spec)
	st := sup.Start(context.Background())
	<-st.Done()
	res := st.Result()
	if res.Outcome != supv.StartStarted {
		t.Fatalf("outcome = %v (%v)", res.Outcome, res.Err)
	}

	box, err := refs.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	box <- 42
	if got := <-box; got != 42 {
		t.Fatalf("ref channel unusable")
	}

	res.Child.Halt()
	<-res.Child.Done()
}

func TestEnvelopeFacade(t *testing.T) {
	type greet struct{ who string }
	e := supv.Seal(greet{who: "ana"})
	got, ok := supv.Open[greet](e)
	if !ok || got.who != "ana" {
		t.Fatalf("Open = %+v, %v", got, ok)
	}
	if _, ok := supv.Open[int](e); ok {
		t.Fatalf("wrong type opened")
	}

	tx, rx := supv.NewRequest[string]()
	if err := tx.Send("pong"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	reply, err := rx.Recv(context.Background())
	if err != nil || reply != "pong" {
		t.Fatalf("Recv = %q, %v", reply, err)
	}
}

func TestErrorsSurfaceThroughFacade(t *testing.T) {
	sup := supv.NewSupervisor("root", 0, time.Minute)
	sup.Add(supv.Erase(supv.NewWorker(supv.WorkerSpec[struct{}]{
		Name: "bad",
		Init: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, errors.New("boom")
		},
	})))
	st := sup.Start(context.Background())
	select {
	case <-st.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("start did not resolve")
	}
	res := st.Result()
	if res.Outcome != supv.StartFatal {
		t.Fatalf("outcome = %v, want fatal", res.Outcome)
	}
	if !errors.Is(res.Err, supv.ErrBudgetExhausted) {
		t.Fatalf("err = %v, want budget exhausted", res.Err)
	}
	var ge *supv.GroupError
	if !errors.As(res.Err, &ge) {
		t.Fatalf("err %T is not a group error", res.Err)
	}
}

func TestFromConfigBuildsTree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supv.toml")
	body := `
[supervisor]
name = "cfg"

[[children]]
name = "w"
command = "sleep 30"
policy = "permanent"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := supv.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	sup, cleanup, err := supv.FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	defer cleanup()
	if sup.Name() != "cfg" {
		t.Fatalf("name = %q", sup.Name())
	}
}
