package dispatch

import (
	"dxecore/core"
	"dxecore/core/fv"
	"dxecore/core/image"
	"dxecore/core/protocol"

	"github.com/sirupsen/logrus"
)

// fileState is the per-file scheduling state Schedule and Trust adjust
// (spec.md section 4.6, "Schedule and Trust adjust per-file state used by
// dependency evaluation").
type fileState struct {
	scheduled  bool
	trusted    bool
	dispatched bool
}

// Dispatcher iterates firmware-volume driver files, evaluates their
// dependency expressions, and loads and starts each one whose dependencies
// are satisfied, re-running until a pass makes no further progress.
type Dispatcher struct {
	loader    *image.Loader
	protocols *protocol.Registry
	extractor *fv.SectionExtractor

	volumes []*fv.Volume
	states  map[*fv.File]*fileState

	log logrus.FieldLogger
}

// New returns a Dispatcher that loads driver files through loader and
// evaluates depex expressions against protocols. extractor may be nil if no
// encapsulation sections are expected.
func New(loader *image.Loader, protocols *protocol.Registry, extractor *fv.SectionExtractor) *Dispatcher {
	return &Dispatcher{
		loader:    loader,
		protocols: protocols,
		extractor: extractor,
		states:    make(map[*fv.File]*fileState),
		log:       logrus.StandardLogger(),
	}
}

// SetLogger overrides the logger used for dispatch diagnostics.
func (d *Dispatcher) SetLogger(log logrus.FieldLogger) {
	d.log = log
}

// AddVolume registers v's driver-type files for dispatch consideration.
// Every file starts scheduled and trusted (trust
// defaults to true: spec.md names no platform verifier that withholds trust
// by default, and C9's verification runs separately over hand-off
// descriptors, not over FV file trust).
func (d *Dispatcher) AddVolume(v *fv.Volume) {
	d.volumes = append(d.volumes, v)
	for _, f := range v.FindFiles(fv.FileTypeDriver) {
		d.states[f] = &fileState{scheduled: true, trusted: true}
	}
}

// Schedule marks f eligible for dispatch. A file excluded by Schedule(f,
// false) is skipped regardless of its dependency expression.
func (d *Dispatcher) Schedule(f *fv.File, scheduled bool) {
	if st, ok := d.states[f]; ok {
		st.scheduled = scheduled
	}
}

// Trust marks f as trusted or not. An untrusted file is skipped regardless
// of its dependency expression, modeling a platform policy hook without
// this package implementing any particular verification scheme (spec.md's
// non-goals exclude a secure-boot verifier).
func (d *Dispatcher) Trust(f *fv.File, trusted bool) {
	if st, ok := d.states[f]; ok {
		st.trusted = trusted
	}
}

// Dispatch runs dispatch passes until a full pass starts and loads no
// further files, and returns the handles of every file started during this
// call.
func (d *Dispatcher) Dispatch() ([]core.Handle, error) {
	var started []core.Handle
	for {
		progressed := false
		for _, v := range d.volumes {
			for _, f := range v.FindFiles(fv.FileTypeDriver) {
				st := d.states[f]
				if st == nil || st.dispatched || !st.scheduled || !st.trusted {
					continue
				}

				depex, err := f.ReadSection(fv.SectionDXEDepex, 0, d.extractor)
				if err != nil {
					depex = nil // no DXE_DEPEX section: unconditionally satisfied
				}
				ok, err := EvalDepex(depex, d.protocols)
				if err != nil {
					d.log.WithError(err).Warn("dispatch: malformed dependency expression, skipping file")
					st.dispatched = true
					continue
				}
				if !ok {
					continue
				}

				pe32, err := f.ReadSection(fv.SectionPE32, 0, d.extractor)
				if err != nil {
					d.log.WithError(err).Warn("dispatch: driver file has no PE32 section, skipping")
					st.dispatched = true
					continue
				}

				handle, err := d.loadAndStart(pe32)
				st.dispatched = true
				if err != nil {
					d.log.WithError(err).Warn("dispatch: failed to load or start driver")
					continue
				}
				started = append(started, handle)
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return started, nil
}

// loadAndStart loads pe32 with an entry point that declares success
// immediately; dispatch exercises the real Load/StartImage machinery, but
// (as documented in core/image) has no way to execute a decoded image's
// literal machine code, so the dispatched entry-point behavior is a stand-in
// that installs nothing on its own.
func (d *Dispatcher) loadAndStart(pe32 []byte) (core.Handle, error) {
	handle, err := d.loader.Load(pe32, core.NoHandle, nil, func(ctx *image.Context) core.Status {
		return core.StatusSuccess
	})
	if err != nil {
		return core.NoHandle, err
	}
	status, _, err := d.loader.StartImage(handle)
	if err != nil {
		return core.NoHandle, err
	}
	if status != core.StatusSuccess {
		return core.NoHandle, core.NewError("dispatch", status, "driver entry point returned a non-success status")
	}
	return handle, nil
}
