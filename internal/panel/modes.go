package panel

import (
	appLog "dsipanel/internal/log"
	"dsipanel/internal/model"
)

// ModeSink receives the modes a panel supports, as a display connector
// does during probing. AddMode may fail when the host cannot materialize
// another mode.
type ModeSink interface {
	AddMode(m *model.Mode) error
	SetPhysicalSize(widthMM, heightMM int)
}

// ModeList is a ModeSink that collects modes in memory.
type ModeList struct {
	Modes    []model.Mode
	WidthMM  int
	HeightMM int
}

func (l *ModeList) AddMode(m *model.Mode) error {
	l.Modes = append(l.Modes, *m)
	return nil
}

func (l *ModeList) SetPhysicalSize(widthMM, heightMM int) {
	l.WidthMM = widthMM
	l.HeightMM = heightMM
}

// DescribeModes hands the panel's single timing to sink as a named,
// driver-preferred mode and reports the physical size. It returns the
// number of modes added.
func (p *Panel) DescribeModes(sink ModeSink) (int, error) {
	m := p.mode.Duplicate()
	m.Name = m.DefaultName()
	m.Type = model.ModeTypeDriver | model.ModeTypePreferred

	sink.SetPhysicalSize(m.WidthMM, m.HeightMM)
	if err := sink.AddMode(m); err != nil {
		appLog.Error("failed to add mode", err, "mode", p.mode.String())
		return 0, &AllocationError{Mode: p.mode.String(), Err: err}
	}
	return 1, nil
}

// Modes returns the modes DescribeModes would report.
func (p *Panel) Modes() []model.Mode {
	var l ModeList
	if _, err := p.DescribeModes(&l); err != nil {
		return nil
	}
	return l.Modes
}
