package recorder

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenDisabledIsNoop(t *testing.T) {
	t.Parallel()
	j, err := Open(Config{Enabled: false})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	j.Record(map[string]any{"type": "decision", "ts": 1700000000})
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRecordAppendsJSONLLine(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j, err := Open(Config{Enabled: true, Path: path, QueueSize: 10})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	j.Record(map[string]any{"type": "rtds_price", "ts": 1700000000, "price": 60000.0})
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected one line in journal")
	}
	var event map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if event["type"] != "rtds_price" {
		t.Errorf("type = %v, want rtds_price", event["type"])
	}
}

func TestRecordDropsOnFullQueueWithoutBlocking(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j, err := Open(Config{Enabled: true, Path: path, QueueSize: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 2000; i++ {
			j.Record(map[string]any{"type": "decision", "ts": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked instead of dropping under backpressure")
	}
}
