package workers

import (
	"testing"
	"time"

	"github.com/apex/log"
)

func TestManager_ShutdownStopsWorkers(t *testing.T) {
	m := NewManager(log.Log)
	for i := 0; i < 3; i++ {
		m.StartWorker(func() {
			defer m.OnWorkerDone("test")
			<-m.ShouldShutdown()
		})
	}
	m.StartShutdown()
	m.StartShutdown()

	done := make(chan struct{})
	go func() {
		m.WaitWorkersShutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not stop")
	}
}

func TestManager_NilLogger(t *testing.T) {
	m := NewManager(nil)
	m.StartWorker(func() {
		m.OnWorkerDone("noop")
	})
	m.WaitWorkersShutdown()
}
