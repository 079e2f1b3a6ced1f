package fleet

import (
	"sync"
	"testing"
)

var _ Worker = (*ProcessWorker)(nil)

func TestProcessWorkerDebugRecordsLevelWhileStopped(t *testing.T) {
	w := NewProcessWorker(testConfig("phone_one_nexus_s"), "phone-worker", t.TempDir()+"/worker", nil, nil)

	// The level sticks even when the subprocess is not running, so it
	// survives snapshot round-trips.
	if err := w.Debug(5); err == nil {
		t.Error("Debug on a stopped worker reported no error")
	}
	if got := w.PhoneCfg().Debug; got != 5 {
		t.Errorf("Debug level = %d, want 5", got)
	}
}

func TestProcessWorkerPhoneCfgIsACopy(t *testing.T) {
	w := NewProcessWorker(testConfig("phone_one_nexus_s"), "phone-worker", t.TempDir()+"/worker", nil, nil)

	cfg := w.PhoneCfg()
	cfg.Debug = 99
	cfg.IP = "changed"
	if got := w.PhoneCfg(); got.Debug == 99 || got.IP == "changed" {
		t.Errorf("mutating the returned config leaked into the worker: %+v", got)
	}
}

func TestProcessWorkerDebugConcurrentWithReaders(t *testing.T) {
	w := NewProcessWorker(testConfig("phone_one_nexus_s"), "phone-worker", t.TempDir()+"/worker", nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(level int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				w.Debug(level)
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if cfg := w.PhoneCfg(); cfg.PhoneID != "phone_one_nexus_s" {
					t.Errorf("PhoneID = %q", cfg.PhoneID)
				}
			}
		}()
	}
	wg.Wait()
}
