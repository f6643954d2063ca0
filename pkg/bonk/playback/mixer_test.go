package playback

import "testing"

func TestMix(t *testing.T) {
	tests := []struct {
		master, individual, want float64
	}{
		{master: 80, individual: 50, want: 40},
		{master: 100, individual: 100, want: 100},
		{master: 0, individual: 100, want: 0},
		{master: 50, individual: 0, want: 0},
		{master: 80, individual: 100, want: 80},
		{master: 100, individual: 250, want: 250},
	}

	for _, tt := range tests {
		if got := Mix(tt.master, tt.individual); got != tt.want {
			t.Errorf("Mix(%v, %v) = %v, want %v", tt.master, tt.individual, got, tt.want)
		}
	}
}

func TestMixIsMonotonic(t *testing.T) {
	for master := 0.0; master <= 100; master += 5 {
		for individual := 0.0; individual <= 100; individual += 5 {
			got := Mix(master, individual)

			if got < 0 || got > 100 {
				t.Fatalf("Mix(%v, %v) = %v, outside [0,100]", master, individual, got)
			}
			if master < 100 && Mix(master+5, individual) < got {
				t.Errorf("Mix decreased when master rose from %v at individual %v", master, individual)
			}
			if individual < 100 && Mix(master, individual+5) < got {
				t.Errorf("Mix decreased when individual rose from %v at master %v", individual, master)
			}
		}
	}
}
