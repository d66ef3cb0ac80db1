package calendar

import (
	"testing"
	"time"
)

func TestParsePeriod(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Period
	}{
		{"PT30M", Period{Clock: 30 * time.Minute}},
		{"PT1H30M", Period{Clock: 90 * time.Minute}},
		{"PT1.5S", Period{Clock: 1500 * time.Millisecond}},
		{"PT0,5H", Period{Clock: 30 * time.Minute}},
		{"P1D", Period{Days: 1}},
		{"P2W", Period{Weeks: 2}},
		{"P1Y2M3DT4H5M6S", Period{Years: 1, Months: 2, Days: 3, Clock: 4*time.Hour + 5*time.Minute + 6*time.Second}},
		{"p1dt1h", Period{Days: 1, Clock: time.Hour}},
		{"P1W2DT0.25M", Period{Weeks: 1, Days: 2, Clock: 15 * time.Second}},
		{" PT90S ", Period{Clock: 90 * time.Second}},
	}
	for _, tt := range tests {
		got, err := ParsePeriod(tt.in)
		if err != nil {
			t.Fatalf("ParsePeriod(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParsePeriod(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParsePeriodInvalid(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "P", "PT", "1H", "PT5", "P1.5D", "PT1X", "P1H", "PTT1H", "P-1D", "-P1D", "P1DT", "PT1D", "P1S", "P.5Y"} {
		if _, err := ParsePeriod(in); err == nil {
			t.Fatalf("ParsePeriod(%q): expected error", in)
		}
	}
}

func TestPeriodAddTo(t *testing.T) {
	t.Parallel()
	base := time.Date(2030, time.January, 31, 10, 0, 0, 0, time.UTC)
	p := Period{Months: 1, Clock: time.Hour}
	got := p.AddTo(base)
	want := time.Date(2030, time.March, 3, 11, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("AddTo = %s, want %s", got, want)
	}
}

func TestParseDateTime(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("X", 2*3600)
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2030-05-01T10:00:00Z", time.Date(2030, 5, 1, 10, 0, 0, 0, time.UTC)},
		{"2030-05-01T10:00:00+01:00", time.Date(2030, 5, 1, 9, 0, 0, 0, time.UTC)},
		{"2030-05-01T10:00:00", time.Date(2030, 5, 1, 10, 0, 0, 0, loc)},
		{"2030-05-01T10:00", time.Date(2030, 5, 1, 10, 0, 0, 0, loc)},
		{"2030-05-01", time.Date(2030, 5, 1, 0, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		got, err := ParseDateTime(tt.in, loc)
		if err != nil {
			t.Fatalf("ParseDateTime(%q) error: %v", tt.in, err)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("ParseDateTime(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
	if _, err := ParseDateTime("tomorrow", loc); err == nil {
		t.Fatal("expected error")
	}
}
