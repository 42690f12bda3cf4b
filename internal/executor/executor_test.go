package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSubstitute(t *testing.T) {
	cases := []struct {
		name     string
		template string
		params   map[string]string
		want     string
	}{
		{
			name:     "simple",
			template: "reboot-camera $deviceId",
			params:   map[string]string{"deviceId": "cam1"},
			want:     "reboot-camera cam1",
		},
		{
			name:     "longer names win over prefixes",
			template: "curl -u $user http://$host/$userId",
			params:   map[string]string{"user": "admin", "userId": "u-42", "host": "10.0.0.5"},
			want:     "curl -u admin http://10.0.0.5/u-42",
		},
		{
			name:     "unknown tokens survive",
			template: "echo $missing",
			params:   map[string]string{"other": "x"},
			want:     "echo $missing",
		},
		{
			name:     "repeated token",
			template: "$host:$host",
			params:   map[string]string{"host": "h"},
			want:     "h:h",
		},
		{
			name:     "no params",
			template: "uptime",
			params:   nil,
			want:     "uptime",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Substitute(tc.template, tc.params); got != tc.want {
				t.Fatalf("Substitute(%q) = %q, want %q", tc.template, got, tc.want)
			}
		})
	}
}

func TestParseBool(t *testing.T) {
	for _, s := range []string{"true", "TRUE", "True", "  true\n"} {
		if !ParseBool(s) {
			t.Fatalf("ParseBool(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"", "false", "1", "yes", "truthy", "true extra"} {
		if ParseBool(s) {
			t.Fatalf("ParseBool(%q) = true, want false", s)
		}
	}
}

func TestFlatten(t *testing.T) {
	got := Flatten(map[string]any{
		"host":  "10.0.0.5",
		"auto":  true,
		"port":  float64(2022), // JSON numbers decode as float64
		"count": 3,
		"nil":   nil,
	})

	want := map[string]string{
		"host":  "10.0.0.5",
		"auto":  "true",
		"port":  "2022",
		"count": "3",
	}
	if len(got) != len(want) {
		t.Fatalf("Flatten = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("Flatten[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestRun_LocalCommand(t *testing.T) {
	r := NewRunner(zerolog.Nop(), 5*time.Second)

	out, err := r.Run(context.Background(), Command{Line: "echo true", Target: "local"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ParseBool(out) {
		t.Fatalf("output = %q, want a truthy answer", out)
	}
}

func TestRun_LocalCommandFailure(t *testing.T) {
	r := NewRunner(zerolog.Nop(), 5*time.Second)

	if _, err := r.Run(context.Background(), Command{Line: "exit 3", Target: "local"}); err == nil {
		t.Fatal("expected non-zero exit to surface as error")
	}
}

func TestRun_TimeoutBoundsExecution(t *testing.T) {
	r := NewRunner(zerolog.Nop(), 50*time.Millisecond)

	start := time.Now()
	_, err := r.Run(context.Background(), Command{Line: "sleep 5", Target: "local"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("run took %v, timeout did not apply", elapsed)
	}
}

func TestRun_RemoteNeedsHost(t *testing.T) {
	r := NewRunner(zerolog.Nop(), time.Second)

	_, err := r.Run(context.Background(), Command{Line: "uptime", Target: "device"})
	if err == nil || !strings.Contains(err.Error(), "host") {
		t.Fatalf("expected missing-host error, got %v", err)
	}
}
