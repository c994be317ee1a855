package domain

import (
	"errors"
	"testing"
	"time"
)

func TestNewBusyInterval(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		start     time.Time
		end       time.Time
		allDay    bool
		status    BusyStatus
		wantStart time.Time
		wantEnd   time.Time
		wantErr   error
	}{
		{
			name:      "timed",
			start:     day.Add(10 * time.Hour),
			end:       day.Add(11 * time.Hour),
			status:    BusyStatusTentative,
			wantStart: day.Add(10 * time.Hour),
			wantEnd:   day.Add(11 * time.Hour),
		},
		{
			name:      "all day exclusive end",
			start:     day,
			end:       day.AddDate(0, 0, 1),
			allDay:    true,
			wantStart: day,
			wantEnd:   day.AddDate(0, 0, 1),
		},
		{
			name:      "all day same date",
			start:     day,
			end:       day,
			allDay:    true,
			wantStart: day,
			wantEnd:   day.AddDate(0, 0, 1),
		},
		{
			name:      "all day with clock times",
			start:     day.Add(3 * time.Hour),
			end:       day.AddDate(0, 0, 1).Add(2 * time.Hour),
			allDay:    true,
			wantStart: day,
			wantEnd:   day.AddDate(0, 0, 2),
		},
		{
			name:    "empty",
			start:   day.Add(time.Hour),
			end:     day.Add(time.Hour),
			wantErr: ErrEmptyInterval,
		},
		{
			name:    "reversed",
			start:   day.Add(2 * time.Hour),
			end:     day.Add(time.Hour),
			wantErr: ErrEmptyInterval,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewBusyInterval(tt.start, tt.end, tt.allDay, tt.status)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewBusyInterval error: %v", err)
			}
			if !got.Start.Equal(tt.wantStart) || !got.End.Equal(tt.wantEnd) {
				t.Fatalf("interval = [%v, %v), want [%v, %v)", got.Start, got.End, tt.wantStart, tt.wantEnd)
			}
			if tt.status == "" && got.Status != BusyStatusBusy {
				t.Fatalf("status = %q, want busy", got.Status)
			}
		})
	}
}

func TestBusyStatusBlocks(t *testing.T) {
	for _, s := range []BusyStatus{BusyStatusBusy, BusyStatusTentative, BusyStatusOutOfOffice, BusyStatusWorkingElsewhere} {
		if !s.Blocks() {
			t.Fatalf("%q should block", s)
		}
	}
	for _, s := range []BusyStatus{BusyStatusFree, "unknown", ""} {
		if s.Blocks() {
			t.Fatalf("%q should not block", s)
		}
	}
}
