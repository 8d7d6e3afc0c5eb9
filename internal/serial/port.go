// Package serial owns the pedal's USB serial link: opening ports, listing
// them, and reading lines on a background goroutine.
package serial

import (
	"io"
	"sort"
	"time"

	goserial "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// DefaultBaud is the pedal's console speed.
const DefaultBaud = 115200

// readTimeout bounds a single Read so the reader loop can notice Stop.
const readTimeout = 100 * time.Millisecond

// Port is an open transport. Read may return 0 bytes and a nil error when
// no data arrived within the read timeout.
type Port interface {
	io.ReadWriteCloser
}

// OpenFunc opens a transport.
type OpenFunc func() (Port, error)

// Open opens a serial port at baud with 8N1 framing and a short read timeout.
func Open(name string, baud int) (Port, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	p, err := goserial.Open(name, &goserial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   goserial.NoParity,
		StopBits: goserial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// Opener returns an OpenFunc for a named serial port.
func Opener(name string, baud int) OpenFunc {
	return func() (Port, error) {
		return Open(name, baud)
	}
}

// PortInfo describes an available serial port.
type PortInfo struct {
	Name         string `json:"name"`
	USB          bool   `json:"usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// ListPorts enumerates serial ports, with USB details where the platform
// provides them.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil && len(details) > 0 {
		ports := make([]PortInfo, 0, len(details))
		for _, d := range details {
			ports = append(ports, PortInfo{
				Name:         d.Name,
				USB:          d.IsUSB,
				VID:          d.VID,
				PID:          d.PID,
				SerialNumber: d.SerialNumber,
				Product:      d.Product,
			})
		}
		sortPorts(ports)
		return ports, nil
	}

	names, err := goserial.GetPortsList()
	if err != nil {
		return nil, err
	}
	ports := make([]PortInfo, 0, len(names))
	for _, n := range names {
		ports = append(ports, PortInfo{Name: n})
	}
	sortPorts(ports)
	return ports, nil
}

func sortPorts(ports []PortInfo) {
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
}
