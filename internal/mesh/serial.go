package mesh

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialGateway is a Transport over a USB serial mesh bridge dongle speaking
// HDLC-framed gateway frames.
type SerialGateway struct {
	port     io.ReadWriteCloser
	reader   *bufio.Reader
	deviceID uint16
	logger   *slog.Logger

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	onReceive func(Inbound)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenSerialGateway opens portName and starts reading frames.
// deviceID is stamped as the source address of every outgoing frame.
func OpenSerialGateway(portName string, baudRate int, deviceID uint16, logger *slog.Logger) (*SerialGateway, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("serial gateway: open %s: %w", portName, err)
	}
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)
	return NewStreamGateway(port, deviceID, logger), nil
}

// NewStreamGateway runs the gateway protocol over an already-open stream.
func NewStreamGateway(rw io.ReadWriteCloser, deviceID uint16, logger *slog.Logger) *SerialGateway {
	g := &SerialGateway{
		port:     rw,
		reader:   bufio.NewReader(rw),
		deviceID: deviceID,
		logger:   logger.With("component", "serial_gateway"),
		done:     make(chan struct{}),
	}
	g.wg.Add(1)
	go g.readLoop()
	return g
}

// Send frames and writes a message.
func (g *SerialGateway) Send(networkID uint8, dest uint16, ttl uint8, msg Message) error {
	raw, err := EncodeFrame(Inbound{
		NetworkID: networkID,
		Source:    g.deviceID,
		Dest:      dest,
		TTL:       ttl,
		Message:   msg,
	})
	if err != nil {
		return err
	}
	g.writeMu.Lock()
	_, err = g.port.Write(hdlcWrap(raw))
	g.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	g.logger.Debug("mesh TX", "op", OpcodeName(msg.Opcode), "dst", fmt.Sprintf("0x%04X", dest), "ttl", ttl, "payload", fmt.Sprintf("%X", msg.Payload))
	return nil
}

// OnReceive registers the inbound handler.
func (g *SerialGateway) OnReceive(handler func(Inbound)) {
	g.handlerMu.Lock()
	g.onReceive = handler
	g.handlerMu.Unlock()
}

// Close stops the read loop and closes the port.
func (g *SerialGateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		close(g.done)
		err = g.port.Close()
	})
	g.wg.Wait()
	return err
}

func (g *SerialGateway) readLoop() {
	defer g.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-g.done:
			return
		default:
		}

		raw, err := readRawFrame(g.reader)
		if err != nil {
			select {
			case <-g.done:
				return
			default:
			}
			if errors.Is(err, io.EOF) || strings.Contains(err.Error(), "closed") {
				return
			}
			g.logger.Error("serial read error", "err", err)
			select {
			case <-time.After(backoff):
			case <-g.done:
				return
			}
			if backoff < maxBackoff {
				backoff = min(backoff*2, maxBackoff)
			}
			continue
		}
		backoff = 10 * time.Millisecond

		data, err := hdlcUnwrap(raw)
		if err != nil {
			g.logger.Warn("hdlc decode error", "err", err)
			continue
		}
		in, err := DecodeFrame(data)
		if err != nil {
			g.logger.Warn("frame decode error", "err", err)
			continue
		}
		g.logger.Debug("mesh RX", "op", OpcodeName(in.Message.Opcode), "src", fmt.Sprintf("0x%04X", in.Source), "ttl", in.TTL)

		g.handlerMu.RLock()
		h := g.onReceive
		g.handlerMu.RUnlock()
		if h != nil {
			h(in)
		}
	}
}

// readRawFrame returns the bytes between the next pair of HDLC flags.
// Empty frames (back-to-back flags) are skipped.
func readRawFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == hdlcFlag {
			break
		}
	}
	for {
		raw, err := r.ReadBytes(hdlcFlag)
		if err != nil {
			return nil, err
		}
		raw = raw[:len(raw)-1]
		if len(raw) == 0 {
			continue
		}
		if err := r.UnreadByte(); err != nil {
			return nil, err
		}
		return raw, nil
	}
}
