package broker

import "testing"

func TestDlqSubjectFor(t *testing.T) {
	tests := []struct {
		prefix, subject, want string
	}{
		{"disaster_dlq", "disaster.HTW", "disaster_dlq.HTW"},
		{"report_dlq", "report.external", "report_dlq.external"},
		{"disaster_dlq", "disaster", "disaster_dlq.disaster"},
	}

	for _, tt := range tests {
		if got := dlqSubjectFor(tt.prefix, tt.subject); got != tt.want {
			t.Errorf("dlqSubjectFor(%q, %q) = %q, want %q", tt.prefix, tt.subject, got, tt.want)
		}
	}
}

func TestStreamNamePrefix(t *testing.T) {
	b := &Broker{cfg: Config{}}
	if got := b.streamName(DisasterStream); got != "DISASTER" {
		t.Errorf("unprefixed streamName = %q, want DISASTER", got)
	}

	b.cfg.StreamPrefix = "test"
	if got := b.streamName(DisasterStream); got != "test_DISASTER" {
		t.Errorf("prefixed streamName = %q, want test_DISASTER", got)
	}
}
