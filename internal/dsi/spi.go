package dsi

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	appLog "dsipanel/internal/log"
)

// DefaultSPIFrequency is used when the config leaves spi_hz unset.
const DefaultSPIFrequency = 10 * physic.MegaHertz

// SPILink drives one DSI link through an SPI-attached DSI bridge. Each DCS
// buffer is framed as a DSI packet (header, ECC, optional payload and
// checksum) and sent in a single SPI transaction.
type SPILink struct {
	name string
	vc   uint8

	mu       sync.Mutex
	port     spi.PortCloser
	conn     spi.Conn
	attached bool
	cfg      DeviceConfig
}

// OpenSPI initializes periph.io, opens the SPI port (e.g. "/dev/spidev0.0",
// "" for the first available) and connects in mode 0 with 8-bit words.
func OpenSPI(name, port string, hz physic.Frequency, vc uint8) (*SPILink, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("dsi: periph host init failed: %w", err)
	}

	p, err := spireg.Open(port)
	if err != nil {
		return nil, fmt.Errorf("dsi: failed to open SPI port %q: %w", port, err)
	}

	if hz == 0 {
		hz = DefaultSPIFrequency
	}
	conn, err := p.Connect(hz, spi.Mode0, 8)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("dsi: failed to connect SPI %q: %w", port, err)
	}

	return newSPILink(name, vc, p, conn), nil
}

func newSPILink(name string, vc uint8, p spi.PortCloser, conn spi.Conn) *SPILink {
	return &SPILink{name: name, vc: vc, port: p, conn: conn}
}

func (l *SPILink) Name() string { return l.name }

// Attach records the device configuration. Writes are refused until the
// link is attached.
func (l *SPILink) Attach(cfg DeviceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	l.attached = true
	appLog.Debug("dsi link attached", "link", l.name, "lanes", cfg.Lanes, "format", cfg.Format.String())
	return nil
}

func (l *SPILink) Detach() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.attached {
		return ErrDetached
	}
	l.attached = false
	return nil
}

// Write frames p as a DCS packet and transmits it. The returned count is
// the number of DCS bytes written, not the framed packet length.
func (l *SPILink) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.attached {
		return 0, fmt.Errorf("%s: %w", l.name, ErrDetached)
	}

	pkt, err := EncodeDCS(l.vc, p)
	if err != nil {
		return 0, err
	}
	// periph.io requires a write+read buffer; RX can be nil when not needed.
	if err := l.conn.Tx(pkt, nil); err != nil {
		return 0, fmt.Errorf("dsi: %s: spi tx: %w", l.name, err)
	}
	return len(p), nil
}

// Close releases the SPI port.
func (l *SPILink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attached = false
	if l.port == nil {
		return nil
	}
	return l.port.Close()
}
