// Package modbus exposes the simulated devices as a Modbus TCP slave. Unit id N
// selects the N-th device type of the schema; every register maps to one status
// variable.
package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"device-simulator/internal/device"
	"device-simulator/internal/logging"
	"device-simulator/internal/schema"
)

const (
	functionReadDiscreteInputs = 0x02
	functionReadHoldingRegs    = 0x03
	functionReadInputRegs      = 0x04
	functionWriteSingleReg     = 0x06

	exceptionIllegalFunction = 0x01
	exceptionIllegalDataAddr = 0x02
	exceptionIllegalDataVal  = 0x03
	exceptionDeviceFailure   = 0x04
	exceptionGatewayTarget   = 0x0B

	requestTimeout = 2 * time.Second
	writeSource    = "modbus"
)

var (
	errOutOfRange    = errors.New("out of range")
	errInvalidQty    = errors.New("invalid quantity")
	errInvalidPDULen = errors.New("invalid pdu length")
	errInvalidValue  = errors.New("invalid register value")
	errUnknownUnit   = errors.New("unknown unit id")
)

// Store is the device state behind the mirror. *server.Loop implements it.
type Store interface {
	WithDevice(ctx context.Context, port int, fn func(*device.Device) error) error
	SetVariable(ctx context.Context, port int, name, value, source string) error
}

// Server is a Modbus TCP front end over a Store.
type Server struct {
	store Store
	types []*schema.DeviceType
	log   *logging.Logger

	listener  net.Listener
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer binds unit ids 1..n to the registry's device types in order.
func NewServer(reg *schema.Registry, store Store, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:  store,
		types:  reg.Types(),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Listen starts accepting Modbus TCP connections on the provided address.
func (s *Server) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = l
	s.log.Info("modbus mirror listening", "addr", l.Addr().String(), "units", len(s.types))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.Warn("modbus accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}

		length := binary.BigEndian.Uint16(header[4:6])
		pduLength := int(length) - 1
		if pduLength <= 0 {
			continue
		}

		unitID := header[6]
		pdu := make([]byte, pduLength)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		response := s.handlePDU(unitID, pdu)
		if len(response) == 0 {
			continue
		}

		binary.BigEndian.PutUint16(header[2:4], 0)
		binary.BigEndian.PutUint16(header[4:6], uint16(len(response)+1))

		if _, err := conn.Write(append(header, response...)); err != nil {
			return
		}
	}
}

func (s *Server) unit(id byte) (*schema.DeviceType, error) {
	if id == 0 || int(id) > len(s.types) {
		return nil, errUnknownUnit
	}
	return s.types[id-1], nil
}

func (s *Server) handlePDU(unitID byte, pdu []byte) []byte {
	if len(pdu) == 0 {
		return exceptionResponse(0, exceptionIllegalFunction)
	}

	function := pdu[0]
	dt, err := s.unit(unitID)
	if err != nil {
		return exceptionResponse(function, errToCode(err))
	}

	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	defer cancel()

	switch function {
	case functionReadDiscreteInputs:
		data, err := s.readBits(ctx, dt, pdu)
		if err != nil {
			return exceptionResponse(function, errToCode(err))
		}
		return append([]byte{function, byte(len(data))}, data...)
	case functionReadHoldingRegs, functionReadInputRegs:
		data, err := s.readRegisters(ctx, dt, pdu)
		if err != nil {
			return exceptionResponse(function, errToCode(err))
		}
		return append([]byte{function, byte(len(data))}, data...)
	case functionWriteSingleReg:
		if err := s.writeRegister(ctx, dt, pdu); err != nil {
			return exceptionResponse(function, errToCode(err))
		}
		return append([]byte(nil), pdu[:5]...)
	default:
		return exceptionResponse(function, exceptionIllegalFunction)
	}
}

func (s *Server) registers(ctx context.Context, dt *schema.DeviceType) ([]uint16, error) {
	var regs []uint16
	err := s.store.WithDevice(ctx, dt.Port, func(dev *device.Device) error {
		var err error
		regs, err = Registers(dev)
		return err
	})
	return regs, err
}

func parseRange(pdu []byte, limit uint16, size int) (int, int, error) {
	if len(pdu) < 5 {
		return 0, 0, errInvalidPDULen
	}
	start := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	if quantity == 0 || quantity > limit {
		return 0, 0, errInvalidQty
	}
	if int(start)+int(quantity) > size {
		return 0, 0, errOutOfRange
	}
	return int(start), int(quantity), nil
}

// readBits reports whether each variable currently has a value.
func (s *Server) readBits(ctx context.Context, dt *schema.DeviceType, pdu []byte) ([]byte, error) {
	start, quantity, err := parseRange(pdu, 2000, len(dt.Variables))
	if err != nil {
		return nil, err
	}
	regs, err := s.registers(ctx, dt)
	if err != nil {
		return nil, err
	}

	result := make([]byte, (quantity+7)/8)
	for i := 0; i < quantity; i++ {
		if regs[start+i] != 0 {
			result[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return result, nil
}

func (s *Server) readRegisters(ctx context.Context, dt *schema.DeviceType, pdu []byte) ([]byte, error) {
	start, quantity, err := parseRange(pdu, 125, len(dt.Variables))
	if err != nil {
		return nil, err
	}
	regs, err := s.registers(ctx, dt)
	if err != nil {
		return nil, err
	}

	result := make([]byte, quantity*2)
	for i := 0; i < quantity; i++ {
		binary.BigEndian.PutUint16(result[i*2:(i+1)*2], regs[start+i])
	}
	return result, nil
}

func (s *Server) writeRegister(ctx context.Context, dt *schema.DeviceType, pdu []byte) error {
	if len(pdu) < 5 {
		return errInvalidPDULen
	}
	address := binary.BigEndian.Uint16(pdu[1:3])
	value := binary.BigEndian.Uint16(pdu[3:5])
	name, text, err := Decode(dt, address, value)
	if err != nil {
		return err
	}
	if err := s.store.SetVariable(ctx, dt.Port, name, text, writeSource); err != nil {
		return err
	}
	s.log.Debug("modbus write", "device", dt.Name, "variable", name, "value", text)
	return nil
}

func exceptionResponse(function byte, code byte) []byte {
	return []byte{function | 0x80, code}
}

func errToCode(err error) byte {
	switch {
	case errors.Is(err, errOutOfRange):
		return exceptionIllegalDataAddr
	case errors.Is(err, errInvalidQty), errors.Is(err, errInvalidPDULen), errors.Is(err, errInvalidValue):
		return exceptionIllegalDataVal
	case errors.Is(err, device.ErrInvalidValue), errors.Is(err, device.ErrUnknownVariable):
		return exceptionIllegalDataVal
	case errors.Is(err, errUnknownUnit):
		return exceptionGatewayTarget
	default:
		return exceptionDeviceFailure
	}
}

// Close stops the server, drops open connections and waits for all goroutines
// to exit.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.cancel()
		s.mu.Unlock()
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
}
