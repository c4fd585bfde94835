package dsi

import (
	"fmt"
	"sync"

	appLog "dsipanel/internal/log"
)

// LogLink is a dry-run link: it accepts every write, logs the framed packet
// and keeps a copy of the DCS buffers it saw.
type LogLink struct {
	name string

	mu       sync.Mutex
	attached bool
	writes   [][]byte
}

func NewLogLink(name string) *LogLink {
	return &LogLink{name: name}
}

func (l *LogLink) Name() string { return l.name }

func (l *LogLink) Attach(cfg DeviceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.attached = true
	l.mu.Unlock()
	appLog.Info("dry-run link attached", "link", l.name,
		"lanes", cfg.Lanes, "format", cfg.Format.String(), "flags", fmt.Sprintf("%#x", uint32(cfg.Flags)))
	return nil
}

func (l *LogLink) Detach() error {
	l.mu.Lock()
	l.attached = false
	l.mu.Unlock()
	appLog.Info("dry-run link detached", "link", l.name)
	return nil
}

func (l *LogLink) Write(p []byte) (int, error) {
	pkt, err := EncodeDCS(0, p)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	l.writes = append(l.writes, append([]byte(nil), p...))
	l.mu.Unlock()
	appLog.Debug("dry-run dcs write", "link", l.name, "packet", fmt.Sprintf("% x", pkt))
	return len(p), nil
}

// Writes returns copies of every DCS buffer written so far.
func (l *LogLink) Writes() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.writes))
	for i, w := range l.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

func (l *LogLink) Attached() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attached
}
