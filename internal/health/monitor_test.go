package health

import (
	"testing"
	"time"

	"github.com/mizuki-ota/conductor/internal/model"
)

func testConfig() model.AutoscaleConfig {
	return model.AutoscaleConfig{
		Enabled:             true,
		MinWorkers:          1,
		MaxWorkers:          8,
		UpperDepthPerWorker: 5,
		LowerUtilization:    0.2,
		SampleIntervalSec:   10,
		SustainSamples:      3,
		CooldownSec:         60,
	}
}

func TestScaleUpRequiresSustainedBacklog(t *testing.T) {
	ctl := controller{cfg: testConfig()}
	now := time.Now()

	pressured := Sample{QueueDepth: 20, BusyWorkers: 2, LiveWorkers: 2}

	// Two pressured samples: streak not yet sustained.
	if d := ctl.evaluate(pressured, now); d != nil {
		t.Fatalf("decision after 1 sample = %+v, want nil", d)
	}
	if d := ctl.evaluate(pressured, now.Add(10*time.Second)); d != nil {
		t.Fatalf("decision after 2 samples = %+v, want nil", d)
	}

	d := ctl.evaluate(pressured, now.Add(20*time.Second))
	if d == nil {
		t.Fatal("expected scale-up decision after sustained backlog")
	}
	if d.Target != 3 {
		t.Errorf("target = %d, want 3", d.Target)
	}
	if d.Reason != "backlog" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestBrieflyPressuredQueueDoesNotScale(t *testing.T) {
	ctl := controller{cfg: testConfig()}
	now := time.Now()

	pressured := Sample{QueueDepth: 20, BusyWorkers: 2, LiveWorkers: 2}
	calm := Sample{QueueDepth: 1, BusyWorkers: 1, LiveWorkers: 2}

	ctl.evaluate(pressured, now)
	ctl.evaluate(pressured, now.Add(10*time.Second))
	// Pressure clears: the streak resets.
	if d := ctl.evaluate(calm, now.Add(20*time.Second)); d != nil {
		t.Fatalf("decision on calm sample = %+v, want nil", d)
	}
	if d := ctl.evaluate(pressured, now.Add(30*time.Second)); d != nil {
		t.Fatalf("decision after streak reset = %+v, want nil", d)
	}
}

func TestCooldownBlocksBackToBackChanges(t *testing.T) {
	ctl := controller{cfg: testConfig()}
	now := time.Now()

	pressured := Sample{QueueDepth: 20, BusyWorkers: 2, LiveWorkers: 2}
	for i := 0; i < 3; i++ {
		ctl.evaluate(pressured, now.Add(time.Duration(i)*10*time.Second))
	}
	// First decision fired at +20s; another sustained streak inside the
	// 60s cooldown must be suppressed.
	after := Sample{QueueDepth: 30, BusyWorkers: 3, LiveWorkers: 3}
	for i := 3; i < 7; i++ {
		if d := ctl.evaluate(after, now.Add(time.Duration(i)*10*time.Second)); d != nil {
			t.Fatalf("decision inside cooldown = %+v, want nil", d)
		}
	}

	// Past the cooldown the sustained streak fires.
	if d := ctl.evaluate(after, now.Add(90*time.Second)); d == nil {
		t.Fatal("expected decision after cooldown elapsed")
	}
}

func TestScaleDownOnSustainedIdle(t *testing.T) {
	ctl := controller{cfg: testConfig()}
	now := time.Now()

	idle := Sample{QueueDepth: 0, BusyWorkers: 0, LiveWorkers: 4}
	ctl.evaluate(idle, now)
	ctl.evaluate(idle, now.Add(10*time.Second))
	d := ctl.evaluate(idle, now.Add(20*time.Second))
	if d == nil {
		t.Fatal("expected scale-down decision on sustained idle")
	}
	if d.Target != 3 {
		t.Errorf("target = %d, want 3", d.Target)
	}
	if d.Reason != "idle" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestBoundsRespected(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 2
	ctl := controller{cfg: cfg}
	now := time.Now()

	// Already at max: backlog must not scale past it.
	atMax := Sample{QueueDepth: 100, BusyWorkers: 2, LiveWorkers: 2}
	for i := 0; i < 5; i++ {
		if d := ctl.evaluate(atMax, now.Add(time.Duration(i)*10*time.Second)); d != nil {
			t.Fatalf("scaled past max: %+v", d)
		}
	}

	// Already at min: idle must not scale below it.
	cfg = testConfig()
	cfg.MinWorkers = 2
	ctl = controller{cfg: cfg}
	atMin := Sample{QueueDepth: 0, BusyWorkers: 0, LiveWorkers: 2}
	for i := 0; i < 5; i++ {
		if d := ctl.evaluate(atMin, now.Add(time.Duration(i)*10*time.Second)); d != nil {
			t.Fatalf("scaled below min: %+v", d)
		}
	}
}

func TestZeroLiveWorkersDoesNotDivideByZero(t *testing.T) {
	ctl := controller{cfg: testConfig()}
	now := time.Now()

	s := Sample{QueueDepth: 50, BusyWorkers: 0, LiveWorkers: 0}
	ctl.evaluate(s, now)
	ctl.evaluate(s, now.Add(10*time.Second))
	d := ctl.evaluate(s, now.Add(20*time.Second))
	if d == nil {
		t.Fatal("expected scale-up from zero workers")
	}
	if d.Target != 1 {
		t.Errorf("target = %d, want 1", d.Target)
	}
}
