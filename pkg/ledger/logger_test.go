package ledger

import (
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
)

func TestLogger(t *testing.T) {
	h := memory.New()
	l := NewLogger(&log.Logger{Handler: h, Level: log.DebugLevel})

	l.Errorf("compaction failed: %v\n", "boom")
	l.Warningf("slow write")
	l.Infof("replaying %d entries\n", 3)
	l.Debugf("value log gc")

	tests := []struct {
		level   log.Level
		message string
	}{
		{log.ErrorLevel, "compaction failed: boom"},
		{log.WarnLevel, "slow write"},
		{log.DebugLevel, "replaying 3 entries"},
		{log.DebugLevel, "value log gc"},
	}

	if len(h.Entries) != len(tests) {
		t.Fatalf("got %d entries, want %d", len(h.Entries), len(tests))
	}
	for i, tt := range tests {
		e := h.Entries[i]
		if e.Level != tt.level {
			t.Errorf("entry %d level = %v, want %v", i, e.Level, tt.level)
		}
		if e.Message != tt.message {
			t.Errorf("entry %d message = %q, want %q", i, e.Message, tt.message)
		}
		if e.Fields["component"] != "ledger" {
			t.Errorf("entry %d component = %v, want ledger", i, e.Fields["component"])
		}
	}
}
