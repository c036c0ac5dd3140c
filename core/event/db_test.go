package event

import (
	"testing"

	"dxecore/core"
)

func TestEventFIFOWithinTPL(t *testing.T) {
	db := New()

	var order []string
	mk := func(name string) core.Handle {
		id, err := db.CreateEvent(EvtNotifySignal, core.TplNotify, func(ev *Event, ctx any) {
			order = append(order, ctx.(string))
		}, name, nil)
		if err != nil {
			t.Fatalf("CreateEvent(%s): %v", name, err)
		}
		return id
	}

	e1 := mk("e1")
	e2 := mk("e2")

	if err := db.Signal(e1); err != nil {
		t.Fatalf("Signal(e1): %v", err)
	}
	if err := db.Signal(e2); err != nil {
		t.Fatalf("Signal(e2): %v", err)
	}

	db.Lower(core.TplApplication)

	if len(order) != 2 || order[0] != "e1" || order[1] != "e2" {
		t.Fatalf("dispatch order = %v; want [e1 e2]", order)
	}
}

func TestIdempotentSignalDoesNotGrowQueue(t *testing.T) {
	db := New()
	id, err := db.CreateEvent(EvtNotifySignal, core.TplNotify, func(*Event, any) {}, nil, nil)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	if err := db.Signal(id); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if got := db.PendingCount(); got != 1 {
		t.Fatalf("PendingCount after first signal = %d; want 1", got)
	}

	if err := db.Signal(id); err != nil {
		t.Fatalf("Signal (again): %v", err)
	}
	if got := db.PendingCount(); got != 1 {
		t.Fatalf("PendingCount after duplicate signal = %d; want 1", got)
	}
}

func TestTimerAndGroupSignal(t *testing.T) {
	db := New()
	group := GroupEndOfDxe

	var order []string
	mk := func(name string, tpl core.TPL, timer bool) core.Handle {
		kind := EvtNotifySignal
		if timer {
			kind |= EvtTimer
		}
		id, err := db.CreateEvent(kind, tpl, func(ev *Event, ctx any) {
			order = append(order, ctx.(string))
		}, name, &group)
		if err != nil {
			t.Fatalf("CreateEvent(%s): %v", name, err)
		}
		return id
	}

	eA := mk("eA", core.TplCallback, true)
	mk("eB", core.TplNotify, false)

	if err := db.SetTimer(eA, TimerRelative, 0x100, 0); err != nil {
		t.Fatalf("SetTimer: %v", err)
	}
	db.TimerTick(0x200)

	// eB is a member of eA's group: signaling eA (via the timer) also
	// signals eB, and eB@NOTIFY outranks eA@CALLBACK when draining.
	db.Lower(core.TplApplication)

	if len(order) != 2 || order[0] != "eB" || order[1] != "eA" {
		t.Fatalf("dispatch order = %v; want [eB eA]", order)
	}
	if got := db.PendingCount(); got != 0 {
		t.Fatalf("PendingCount after drain = %d; want 0", got)
	}
}

func TestCreateEventValidation(t *testing.T) {
	db := New()

	if _, err := db.CreateEvent(EvtNotifySignal, core.TplNotify, nil, nil, nil); err == nil {
		t.Fatal("expected CreateEvent without a notify function to fail")
	} else if core.StatusOf(err) != core.StatusInvalidParameter {
		t.Fatalf("StatusOf(err) = %v; want InvalidParameter", core.StatusOf(err))
	}

	if _, err := db.CreateEvent(EvtNotifySignal, core.TplApplication, func(*Event, any) {}, nil, nil); err == nil {
		t.Fatal("expected CreateEvent with notify TPL == APPLICATION to fail")
	} else if core.StatusOf(err) != core.StatusInvalidParameter {
		t.Fatalf("StatusOf(err) = %v; want InvalidParameter", core.StatusOf(err))
	}

	if _, err := db.CreateEvent(evtReservedGroupPseudo, core.TplNotify, nil, nil, nil); err == nil {
		t.Fatal("expected CreateEvent with a reserved pseudo kind to fail")
	}
}

func TestSetTimerArgumentValidation(t *testing.T) {
	db := New()
	timerID, err := db.CreateEvent(EvtTimer|EvtNotifySignal, core.TplNotify, func(*Event, any) {}, nil, nil)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	nonTimerID, err := db.CreateEvent(EvtNotifySignal, core.TplNotify, func(*Event, any) {}, nil, nil)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	cases := []struct {
		name   string
		id     core.Handle
		kind   TimerType
		t1, t2 uint64
	}{
		{"cancel against non-timer event", nonTimerID, TimerCancel, 0, 0},
		{"cancel with nonzero trigger", timerID, TimerCancel, 1, 0},
		{"periodic missing period", timerID, TimerPeriodic, 0x100, 0},
		{"periodic missing trigger", timerID, TimerPeriodic, 0, 0x100},
		{"relative with period", timerID, TimerRelative, 0x100, 0x10},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if err := db.SetTimer(c.id, c.kind, c.t1, c.t2); err == nil {
				t.Fatalf("SetTimer(%s) unexpectedly succeeded", c.name)
			} else if core.StatusOf(err) != core.StatusInvalidParameter {
				t.Fatalf("StatusOf(err) = %v; want InvalidParameter", core.StatusOf(err))
			}
		})
	}
}

func TestCloseDiscardsPendingNotification(t *testing.T) {
	db := New()
	id, err := db.CreateEvent(EvtNotifySignal, core.TplNotify, func(*Event, any) {
		t.Fatal("notify function must not run for a closed event")
	}, nil, nil)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if err := db.Signal(id); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if err := db.Close(id); err != nil {
		t.Fatalf("Close: %v", err)
	}
	db.Lower(core.TplApplication)
	if got := db.PendingCount(); got != 0 {
		t.Fatalf("PendingCount after closing a queued event = %d; want 0", got)
	}
}

func TestPollNotifyWaitEvent(t *testing.T) {
	db := New()
	ready := false
	id, err := db.CreateEvent(EvtNotifyWait, core.TplNotify, func(ev *Event, ctx any) {
		if ready {
			ev.Signaled = true
		}
	}, nil, nil)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	if _, signaled, err := db.Poll([]core.Handle{id}); err != nil {
		t.Fatalf("Poll: %v", err)
	} else if signaled {
		t.Fatal("Poll reported signaled before the wait condition was true")
	}

	ready = true
	idx, signaled, err := db.Poll([]core.Handle{id})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !signaled || idx != 0 {
		t.Fatalf("Poll(idx=%d, signaled=%v); want (0, true)", idx, signaled)
	}
}
