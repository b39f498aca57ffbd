package feedback

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestAppendFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "feedback_logs.txt")
	log := NewLog(path)
	if err := log.Append("2025-03-04 05:06:07", "great tool"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.Append("2025-03-04 05:07:00", "   "); err != nil {
		t.Fatalf("append blank: %v", err)
	}
	if err := log.Append("2025-03-04 05:08:00", "second"); err != nil {
		t.Fatalf("append: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "2025-03-04 05:06:07: great tool\n\n2025-03-04 05:08:00: second\n\n"
	if string(data) != want {
		t.Fatalf("unexpected log:\n%q\nwant\n%q", data, want)
	}
}

func TestAppendFoldsLineBreaks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedback_logs.txt")
	log := NewLog(path)
	if err := log.Append("2025-03-04 05:06:07", "first line\n\nsecond line \r\n third\u2028end"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.Append("2025-03-04 05:07:00", "next"); err != nil {
		t.Fatalf("append: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "2025-03-04 05:06:07: first line second line third end\n\n2025-03-04 05:07:00: next\n\n"
	if string(data) != want {
		t.Fatalf("unexpected log:\n%q\nwant\n%q", data, want)
	}
}

func TestAppendConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedback.txt")
	log := NewLog(path)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := log.Append("ts", fmt.Sprintf("entry-%d", i)); err != nil {
				t.Errorf("append: %v", err)
			}
		}(i)
	}
	wg.Wait()
	data, _ := os.ReadFile(path)
	entries := strings.Split(strings.TrimSuffix(string(data), "\n\n"), "\n\n")
	if len(entries) != 20 {
		t.Fatalf("expected 20 entries, got %d", len(entries))
	}
}
