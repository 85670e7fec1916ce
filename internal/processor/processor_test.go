package processor_test

import (
	"testing"
	"time"

	"github.com/proctail/agent/internal/model"
	"github.com/proctail/agent/internal/processor"
	"github.com/proctail/agent/internal/watchtarget"
)

func defaultConfig() processor.Config {
	return processor.Config{
		EnabledProviders:  []string{"Microsoft-Windows-Kernel-FileIO", "Microsoft-Windows-Kernel-Process"},
		EnabledEventNames: []string{"FileIO/Create", "FileIO/Write", "FileIO/Close", "Process/Start", "Process/End", "Process/Stop"},
	}
}

func TestProcessFileEvent(t *testing.T) {
	targets := watchtarget.New()
	targets.Add(1234, "app")
	p := processor.New(defaultConfig(), targets, nil)

	raw := &model.RawEvent{
		Timestamp:    time.Now().UTC(),
		ProviderName: "Microsoft-Windows-Kernel-FileIO",
		EventName:    "FileIO/Create",
		ProcessID:    1234,
		Payload:      model.Payload{"FileName": model.StringValue(`C:\a.txt`)},
	}

	res := p.Process(raw)
	if !res.OK {
		t.Fatalf("Process: expected success, got reason %q err %v", res.Reason, res.Err)
	}
	if res.Event.Kind != model.KindFile {
		t.Fatalf("Kind = %v, want FileEvent", res.Event.Kind)
	}
	if res.Event.FilePath != `C:\a.txt` {
		t.Fatalf("FilePath = %q, want %q", res.Event.FilePath, `C:\a.txt`)
	}
	if res.Event.Tag != "app" {
		t.Fatalf("Tag = %q, want %q", res.Event.Tag, "app")
	}
}

func TestProcessFileCloseSynthesizesSentinelPath(t *testing.T) {
	targets := watchtarget.New()
	targets.Add(1234, "app")
	p := processor.New(defaultConfig(), targets, nil)

	raw := &model.RawEvent{
		ProviderName: "Microsoft-Windows-Kernel-FileIO",
		EventName:    "FileIO/Close",
		ProcessID:    1234,
		Payload:      model.Payload{},
	}

	res := p.Process(raw)
	if !res.OK {
		t.Fatalf("Process: expected success, got reason %q", res.Reason)
	}
	want := "<FileIO/Close:PID1234>"
	if res.Event.FilePath != want {
		t.Fatalf("FilePath = %q, want %q", res.Event.FilePath, want)
	}
}

func TestProcessFileMissingPathFails(t *testing.T) {
	targets := watchtarget.New()
	targets.Add(1234, "app")
	p := processor.New(defaultConfig(), targets, nil)

	raw := &model.RawEvent{
		ProviderName: "Microsoft-Windows-Kernel-FileIO",
		EventName:    "FileIO/Create",
		ProcessID:    1234,
		Payload:      model.Payload{},
	}

	res := p.Process(raw)
	if res.OK || res.Reason != processor.ReasonConversionFailed {
		t.Fatalf("Process: got OK=%v reason=%q, want conversion_failed", res.OK, res.Reason)
	}
}

func TestProcessStartEnrollsChild(t *testing.T) {
	targets := watchtarget.New()
	targets.Add(1000, "parent")
	p := processor.New(defaultConfig(), targets, nil)

	raw := &model.RawEvent{
		ProviderName: "Microsoft-Windows-Kernel-Process",
		EventName:    "Process/Start",
		ProcessID:    1000,
		Payload: model.Payload{
			"ProcessId":   model.IntValue(2000),
			"ProcessName": model.StringValue("child.exe"),
		},
	}

	res := p.Process(raw)
	if !res.OK {
		t.Fatalf("Process: expected success, got reason %q err %v", res.Reason, res.Err)
	}
	if res.Event.Kind != model.KindProcessStart {
		t.Fatalf("Kind = %v, want ProcessStart", res.Event.Kind)
	}
	if res.Event.ChildProcessID != 2000 || res.Event.ChildProcessName != "child.exe" {
		t.Fatalf("unexpected start fields: %+v", res.Event)
	}
	if !targets.IsWatched(2000) {
		t.Fatalf("expected child 2000 to be enrolled")
	}
	tag, _ := targets.TagOf(2000)
	if tag != "parent" {
		t.Fatalf("child tag = %q, want %q", tag, "parent")
	}
}

func TestProcessEndEvictsTarget(t *testing.T) {
	targets := watchtarget.New()
	targets.Add(1000, "t")
	p := processor.New(defaultConfig(), targets, nil)

	raw := &model.RawEvent{
		ProviderName: "Microsoft-Windows-Kernel-Process",
		EventName:    "Process/End",
		ProcessID:    1000,
		Payload:      model.Payload{"ExitCode": model.IntValue(0)},
	}

	res := p.Process(raw)
	if !res.OK {
		t.Fatalf("Process: expected success, got reason %q", res.Reason)
	}
	if res.Event.Kind != model.KindProcessEnd || res.Event.ExitCode != 0 {
		t.Fatalf("unexpected end fields: %+v", res.Event)
	}
	if targets.IsWatched(1000) {
		t.Fatalf("expected pid 1000 to be evicted")
	}
}

func TestProcessEndFallsBackToExitStatus(t *testing.T) {
	targets := watchtarget.New()
	targets.Add(1000, "t")
	p := processor.New(defaultConfig(), targets, nil)

	raw := &model.RawEvent{
		ProviderName: "Microsoft-Windows-Kernel-Process",
		EventName:    "Process/Stop",
		ProcessID:    1000,
		Payload:      model.Payload{"ExitStatus": model.IntValue(7)},
	}

	res := p.Process(raw)
	if !res.OK || res.Event.ExitCode != 7 {
		t.Fatalf("Process: got %+v, want ExitCode 7", res)
	}
}

func TestShouldProcessRejectsUnwatchedPID(t *testing.T) {
	targets := watchtarget.New()
	p := processor.New(defaultConfig(), targets, nil)

	raw := &model.RawEvent{
		ProviderName: "Microsoft-Windows-Kernel-FileIO",
		EventName:    "FileIO/Create",
		ProcessID:    9999,
		Payload:      model.Payload{"FileName": model.StringValue("f.txt")},
	}

	if p.ShouldProcess(raw) {
		t.Fatalf("ShouldProcess: expected false for unwatched pid")
	}
	res := p.Process(raw)
	if res.OK || res.Reason != processor.ReasonFiltered {
		t.Fatalf("Process: got OK=%v reason=%q, want filtered", res.OK, res.Reason)
	}
}

func TestShouldProcessRejectsDisallowedProvider(t *testing.T) {
	targets := watchtarget.New()
	targets.Add(1, "t")
	p := processor.New(defaultConfig(), targets, nil)

	raw := &model.RawEvent{
		ProviderName: "Some-Other-Provider",
		EventName:    "FileIO/Create",
		ProcessID:    1,
	}
	if p.ShouldProcess(raw) {
		t.Fatalf("ShouldProcess: expected false for disallowed provider")
	}
}

func TestIncludeFileExtensionsFilter(t *testing.T) {
	targets := watchtarget.New()
	targets.Add(1, "t")
	cfg := defaultConfig()
	cfg.Filter.IncludeFileExtensions = []string{".txt"}
	p := processor.New(cfg, targets, nil)

	rejected := &model.RawEvent{
		ProviderName: "Microsoft-Windows-Kernel-FileIO",
		EventName:    "FileIO/Create",
		ProcessID:    1,
		Payload:      model.Payload{"FileName": model.StringValue("a.log")},
	}
	if p.ShouldProcess(rejected) {
		t.Fatalf("expected rejection for non-matching extension")
	}

	accepted := &model.RawEvent{
		ProviderName: "Microsoft-Windows-Kernel-FileIO",
		EventName:    "FileIO/Create",
		ProcessID:    1,
		Payload:      model.Payload{"FileName": model.StringValue("a.txt")},
	}
	if !p.ShouldProcess(accepted) {
		t.Fatalf("expected acceptance for matching extension")
	}
}

func TestExcludeFilePatternsOverriddenByExplicitTarget(t *testing.T) {
	targets := watchtarget.New()
	targets.Add(1, "explicit")
	targets.Add(2, "implicit-parent")
	targets.AddChild(3, 2)

	cfg := defaultConfig()
	cfg.Filter.ExcludeFilePatterns = []string{`*\Temp\*`}
	p := processor.New(cfg, targets, nil)

	mk := func(pid int) *model.RawEvent {
		return &model.RawEvent{
			ProviderName: "Microsoft-Windows-Kernel-FileIO",
			EventName:    "FileIO/Create",
			ProcessID:    pid,
			Payload:      model.Payload{"FileName": model.StringValue(`C:\Temp\test-process_output.txt`)},
		}
	}

	if !p.ShouldProcess(mk(1)) {
		t.Fatalf("explicit target: expected override to admit excluded path")
	}
	if p.ShouldProcess(mk(3)) {
		t.Fatalf("auto-enrolled child: expected exclude pattern to still apply")
	}
}

func TestProcessNilInput(t *testing.T) {
	targets := watchtarget.New()
	p := processor.New(defaultConfig(), targets, nil)

	res := p.Process(nil)
	if res.OK || res.Reason != processor.ReasonNilInput {
		t.Fatalf("Process(nil): got OK=%v reason=%q, want null_input", res.OK, res.Reason)
	}
}
