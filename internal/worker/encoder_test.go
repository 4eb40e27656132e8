package worker

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func TestParseProgressLineOutTimeMS(t *testing.T) {
	frac, end, ok := parseProgressLine("out_time_ms=5000000", 10)
	if !ok || end {
		t.Fatalf("unexpected result: frac=%v end=%v ok=%v", frac, end, ok)
	}
	if frac != 0.5 {
		t.Fatalf("expected fraction 0.5, got %v", frac)
	}
}

func TestParseProgressLineOutTime(t *testing.T) {
	frac, end, ok := parseProgressLine("out_time=00:00:05.00", 10)
	if !ok || end {
		t.Fatalf("unexpected result: frac=%v end=%v ok=%v", frac, end, ok)
	}
	if frac != 0.5 {
		t.Fatalf("expected fraction 0.5, got %v", frac)
	}
}

func TestParseProgressLineEndSignal(t *testing.T) {
	frac, end, ok := parseProgressLine("progress=end", 10)
	if !ok || !end || frac != 1.0 {
		t.Fatalf("expected end signal with fraction 1.0, got frac=%v end=%v ok=%v", frac, end, ok)
	}
}

func TestParseProgressLineIgnoresUnrelatedKeys(t *testing.T) {
	_, _, ok := parseProgressLine("bitrate=128kbits/s", 10)
	if ok {
		t.Fatalf("expected bitrate lines to carry no progress signal")
	}
}

func TestParseProgressLineNoDurationKnown(t *testing.T) {
	_, _, ok := parseProgressLine("out_time_ms=5000000", 0)
	if ok {
		t.Fatalf("expected no progress signal when duration is unknown")
	}
}

func TestParseProgressLineMalformed(t *testing.T) {
	_, _, ok := parseProgressLine("no equals sign here", 10)
	if ok {
		t.Fatalf("expected malformed line to yield no signal")
	}
}

func TestHMSToSeconds(t *testing.T) {
	secs, ok := hmsToSeconds("01", "02", "03.5")
	if !ok {
		t.Fatalf("expected valid parse")
	}
	want := 1*3600 + 2*60 + 3.5
	if secs != want {
		t.Fatalf("got %v want %v", secs, want)
	}
	if _, ok := hmsToSeconds("x", "00", "00"); ok {
		t.Fatalf("expected invalid hour component to fail")
	}
}

func TestSetFractionClampsAndIgnoresPostEndUpdates(t *testing.T) {
	var reported []float64
	ex := &execution{
		stdout:     newRingBuffer(5),
		stderr:     newRingBuffer(5),
		onProgress: func(frac float64, _, _ string) { reported = append(reported, frac) },
	}

	ex.setFraction(1.5, false)
	if reported[len(reported)-1] != 0.999 {
		t.Fatalf("expected fraction clamped to 0.999, got %v", reported[len(reported)-1])
	}

	ex.setFraction(1.0, true)
	if reported[len(reported)-1] != 1.0 {
		t.Fatalf("expected end fraction 1.0, got %v", reported[len(reported)-1])
	}

	ex.setFraction(0.2, false)
	if got := reported[len(reported)-1]; got != 1.0 {
		t.Fatalf("expected post-end progress update ignored, fraction changed to %v", got)
	}
}

func TestRunEncoderSuccessCreatesOutputDir(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	output := filepath.Join(dir, "out", "result.mp4")

	result, err := runEncoder(context.Background(), "sh", []string{"-c", "echo out_time_ms=10000000; echo progress=end"}, output, 10, nil, nil)
	if err != nil {
		t.Fatalf("runEncoder failed: %v", err)
	}
	if !result.Success || result.ReturnCode != 0 {
		t.Fatalf("expected successful run, got %+v", result)
	}
	if _, err := os.Stat(filepath.Dir(output)); err != nil {
		t.Fatalf("expected output directory created: %v", err)
	}
}

func TestRunEncoderForceStopKillsProcess(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	output := filepath.Join(dir, "result.mp4")
	forceStop := make(chan struct{})

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(forceStop)
	}()

	result, err := runEncoder(context.Background(), "sh", []string{"-c", "sleep 30"}, output, 0, forceStop, nil)
	if err != nil {
		t.Fatalf("runEncoder failed: %v", err)
	}
	if result.Success {
		t.Fatalf("expected force-stopped run to be unsuccessful")
	}
	if result.ErrorMessage == nil || *result.ErrorMessage != "encoder force-stopped" {
		t.Fatalf("expected force-stop error message, got %v", result.ErrorMessage)
	}
}
