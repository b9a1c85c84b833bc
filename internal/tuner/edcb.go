package tuner

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/miyako-dev/tsubridge/internal/config"
)

// Command words of the EDCB-like control protocol. Every exchange is one
// frame each way over a fresh TCP connection:
//
//	request:  [command uint32][length uint32][payload]
//	response: [status  uint32][length uint32][payload]
//
// All integers are big-endian.
const (
	cmdEnumServices uint32 = 0x0011
	cmdEnumTuners   uint32 = 0x0012
	cmdSetChannel   uint32 = 0x0021
	cmdGetProcessID uint32 = 0x0022
	cmdCloseChannel uint32 = 0x0023
)

// Response status words.
const (
	statusOK       uint32 = 0
	statusError    uint32 = 1
	statusNoTuner  uint32 = 2
	statusNotFound uint32 = 3
	statusPending  uint32 = 4
)

const (
	// modeTCPStream asks the backend to serve the TS over a TCP data connection.
	modeTCPStream byte = 1

	// maxFrameSize bounds response payloads; service lists are small.
	maxFrameSize = 1 << 20

	// pollBackoffCap caps the process-id poll interval.
	pollBackoffCap = time.Second

	// releaseTimeout bounds the CloseChannel command when a session is released.
	releaseTimeout = 5 * time.Second
)

// EDCBClient speaks the EDCB-like length-prefixed command protocol. Commands
// run over short-lived connections; the TS itself flows over a second,
// long-lived data connection per open tuner.
type EDCBClient struct {
	cfg    config.BackendConfig
	addr   string
	host   string
	dialer net.Dialer
	logger *slog.Logger

	nextLogicalID atomic.Uint32
}

// NewEDCBClient returns a client for the command endpoint in cfg. No
// connection is made until the first command.
func NewEDCBClient(cfg config.BackendConfig, logger *slog.Logger) *EDCBClient {
	addr := cfg.CommandAddress()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return &EDCBClient{
		cfg:    cfg,
		addr:   addr,
		host:   host,
		logger: logger,
	}
}

// Open reserves a tuner: SetChannel, then poll for the tuner process id
// within the configured open timeout, then dial the data connection the
// backend announced. A reservation that never produces a process id is
// rolled back with CloseChannel.
func (c *EDCBClient) Open(ctx context.Context, ch Channel, owner string) (*Handle, error) {
	start := time.Now()
	logicalID := c.nextLogicalID.Add(1)

	status, _, err := c.roundTrip(ctx, cmdSetChannel, setChannelPayload(ch, logicalID))
	if err != nil {
		return nil, fmt.Errorf("set channel: %w", err)
	}
	if err := statusToError(status); err != nil {
		return nil, fmt.Errorf("set channel %s: %w", ch.DisplayID(), err)
	}

	processID, dataPort, err := c.waitForProcess(ctx, logicalID)
	if err != nil {
		// The reservation went through, give the tuner back.
		c.rollback(logicalID)
		return nil, err
	}

	dataConn, err := c.dialData(ctx, dataPort, processID)
	if err != nil {
		c.rollback(logicalID)
		return nil, err
	}

	sess := &edcbSession{
		client:    c,
		logicalID: logicalID,
		processID: processID,
		conn:      dataConn,
	}
	h := newHandle("edcb", owner, sess)
	h.promote()

	c.logger.Info("tuner opened",
		slog.String("channel", ch.DisplayID()),
		slog.Uint64("logical_id", uint64(logicalID)),
		slog.Uint64("process_id", uint64(processID)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return h, nil
}

// waitForProcess polls GetProcessID until the backend reports the tuner
// process, backing off from the configured interval up to one second within
// the open timeout window.
func (c *EDCBClient) waitForProcess(ctx context.Context, logicalID uint32) (processID uint32, dataPort uint16, err error) {
	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.OpenTimeout)
	defer cancel()

	req := make([]byte, 4)
	binary.BigEndian.PutUint32(req, logicalID)

	interval := c.cfg.PollInterval
	for {
		status, resp, err := c.roundTrip(pollCtx, cmdGetProcessID, req)
		if err != nil {
			if ctx.Err() != nil {
				return 0, 0, ctx.Err()
			}
			return 0, 0, fmt.Errorf("get process id: %w", err)
		}
		switch status {
		case statusOK:
			if len(resp) < 6 {
				return 0, 0, fmt.Errorf("%w: short process id response (%d bytes)", ErrProtocol, len(resp))
			}
			return binary.BigEndian.Uint32(resp[0:4]), binary.BigEndian.Uint16(resp[4:6]), nil
		case statusPending:
			// Tuner still starting, keep polling.
		default:
			return 0, 0, fmt.Errorf("get process id: %w", statusToError(status))
		}

		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return 0, 0, ctx.Err()
			}
			return 0, 0, fmt.Errorf("%w: tuner process did not start within %s", ErrProtocol, c.cfg.OpenTimeout)
		case <-time.After(interval):
		}
		interval *= 2
		if interval > pollBackoffCap {
			interval = pollBackoffCap
		}
	}
}

// dialData opens the TS data connection and identifies the wanted tuner
// process with a 4-byte handshake.
func (c *EDCBClient) dialData(ctx context.Context, port uint16, processID uint32) (net.Conn, error) {
	addr := net.JoinHostPort(c.host, strconv.Itoa(int(port)))
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial data %s: %v", ErrBackendUnreachable, addr, err)
	}

	handshake := make([]byte, 4)
	binary.BigEndian.PutUint32(handshake, processID)
	if _, err := conn.Write(handshake); err != nil {
		conn.Close()
		return nil, fmt.Errorf("data handshake: %w", err)
	}
	return conn, nil
}

// setChannelPayload encodes the SetChannel request body.
func setChannelPayload(ch Channel, logicalID uint32) []byte {
	payload := make([]byte, 11)
	binary.BigEndian.PutUint16(payload[0:2], ch.NetworkID)
	binary.BigEndian.PutUint16(payload[2:4], ch.TransportStreamID)
	binary.BigEndian.PutUint16(payload[4:6], ch.ServiceID)
	binary.BigEndian.PutUint32(payload[6:10], logicalID)
	payload[10] = modeTCPStream
	return payload
}

// rollback closes a half-open reservation, best effort.
func (c *EDCBClient) rollback(logicalID uint32) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := c.closeChannel(ctx, logicalID); err != nil {
		c.logger.Warn("rollback of tuner reservation failed",
			slog.Uint64("logical_id", uint64(logicalID)),
			slog.String("error", err.Error()),
		)
	}
}

func (c *EDCBClient) closeChannel(ctx context.Context, logicalID uint32) error {
	req := make([]byte, 4)
	binary.BigEndian.PutUint32(req, logicalID)
	status, _, err := c.roundTrip(ctx, cmdCloseChannel, req)
	if err != nil {
		return fmt.Errorf("close channel: %w", err)
	}
	if err := statusToError(status); err != nil {
		return fmt.Errorf("close channel: %w", err)
	}
	return nil
}

// Services enumerates every service the backend knows.
func (c *EDCBClient) Services(ctx context.Context) ([]Channel, error) {
	status, resp, err := c.roundTrip(ctx, cmdEnumServices, nil)
	if err != nil {
		return nil, fmt.Errorf("enum services: %w", err)
	}
	if err := statusToError(status); err != nil {
		return nil, fmt.Errorf("enum services: %w", err)
	}
	return parseServices(resp)
}

// Resolve maps a channel query to a concrete service via enumeration.
func (c *EDCBClient) Resolve(ctx context.Context, query string) (Channel, error) {
	services, err := c.Services(ctx)
	if err != nil {
		return Channel{}, err
	}
	for _, ch := range services {
		if ch.matches(query) {
			return ch, nil
		}
	}
	return Channel{}, fmt.Errorf("%w: %q", ErrChannelNotFound, query)
}

// Tuners enumerates the backend's tuner slots.
func (c *EDCBClient) Tuners(ctx context.Context) ([]TunerInfo, error) {
	status, resp, err := c.roundTrip(ctx, cmdEnumTuners, nil)
	if err != nil {
		return nil, fmt.Errorf("enum tuners: %w", err)
	}
	if err := statusToError(status); err != nil {
		return nil, fmt.Errorf("enum tuners: %w", err)
	}
	return parseTuners(resp)
}

// Close releases client resources. Commands dial per call, so there is
// nothing persistent to tear down; open handles keep their data connections.
func (c *EDCBClient) Close() error {
	return nil
}

// roundTrip sends one command frame and reads one response frame over a
// fresh connection.
func (c *EDCBClient) roundTrip(ctx context.Context, cmd uint32, payload []byte) (uint32, []byte, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: dial %s: %v", ErrBackendUnreachable, c.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return 0, nil, fmt.Errorf("set deadline: %w", err)
		}
	}

	if err := writeFrame(conn, cmd, payload); err != nil {
		return 0, nil, fmt.Errorf("write command 0x%04x: %w", cmd, err)
	}
	status, resp, err := readFrame(conn)
	if err != nil {
		return 0, nil, fmt.Errorf("read response to 0x%04x: %w", cmd, err)
	}
	return status, resp, nil
}

func writeFrame(w io.Writer, word uint32, payload []byte) error {
	hdr := make([]byte, 8)
	binary.BigEndian.PutUint32(hdr[0:4], word)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) (uint32, []byte, error) {
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	word := binary.BigEndian.Uint32(hdr[0:4])
	length := binary.BigEndian.Uint32(hdr[4:8])
	if length > maxFrameSize {
		return 0, nil, fmt.Errorf("%w: oversized frame (%d bytes)", ErrProtocol, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return word, payload, nil
}

func statusToError(status uint32) error {
	switch status {
	case statusOK:
		return nil
	case statusNoTuner:
		return ErrNoTunerAvailable
	case statusNotFound:
		return ErrChannelNotFound
	case statusPending:
		return fmt.Errorf("%w: unexpected pending status", ErrProtocol)
	default:
		return fmt.Errorf("%w: status %d", ErrProtocol, status)
	}
}

// parseServices decodes the EnumServices payload:
//
//	[count uint16] then per service:
//	[nid uint16][tsid uint16][sid uint16][remocon uint8]
//	[typeLen uint8][type][nameLen uint16][name]
func parseServices(payload []byte) ([]Channel, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: short service list", ErrProtocol)
	}
	count := int(binary.BigEndian.Uint16(payload[0:2]))
	offset := 2

	services := make([]Channel, 0, count)
	for i := 0; i < count; i++ {
		if len(payload) < offset+8 {
			return nil, fmt.Errorf("%w: truncated service entry %d", ErrProtocol, i)
		}
		ch := Channel{
			NetworkID:          binary.BigEndian.Uint16(payload[offset : offset+2]),
			TransportStreamID:  binary.BigEndian.Uint16(payload[offset+2 : offset+4]),
			ServiceID:          binary.BigEndian.Uint16(payload[offset+4 : offset+6]),
			RemoteControlKeyID: int(payload[offset+6]),
		}
		typeLen := int(payload[offset+7])
		offset += 8
		if len(payload) < offset+typeLen+2 {
			return nil, fmt.Errorf("%w: truncated service type %d", ErrProtocol, i)
		}
		ch.Type = string(payload[offset : offset+typeLen])
		offset += typeLen
		nameLen := int(binary.BigEndian.Uint16(payload[offset : offset+2]))
		offset += 2
		if len(payload) < offset+nameLen {
			return nil, fmt.Errorf("%w: truncated service name %d", ErrProtocol, i)
		}
		ch.Name = string(payload[offset : offset+nameLen])
		offset += nameLen

		services = append(services, ch)
	}
	return services, nil
}

// parseTuners decodes the EnumTuners payload:
//
//	[count uint16] then per tuner: [busy uint8][nameLen uint16][name]
func parseTuners(payload []byte) ([]TunerInfo, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: short tuner list", ErrProtocol)
	}
	count := int(binary.BigEndian.Uint16(payload[0:2]))
	offset := 2

	tuners := make([]TunerInfo, 0, count)
	for i := 0; i < count; i++ {
		if len(payload) < offset+3 {
			return nil, fmt.Errorf("%w: truncated tuner entry %d", ErrProtocol, i)
		}
		busy := payload[offset] != 0
		nameLen := int(binary.BigEndian.Uint16(payload[offset+1 : offset+3]))
		offset += 3
		if len(payload) < offset+nameLen {
			return nil, fmt.Errorf("%w: truncated tuner name %d", ErrProtocol, i)
		}
		tuners = append(tuners, TunerInfo{
			Name: string(payload[offset : offset+nameLen]),
			Busy: busy,
		})
		offset += nameLen
	}
	return tuners, nil
}

// edcbSession is the backend half of an open EDCB tuner: the data connection
// plus the CloseChannel obligation.
type edcbSession struct {
	client    *EDCBClient
	logicalID uint32
	processID uint32
	conn      net.Conn
}

func (s *edcbSession) Read(p []byte) (int, error) {
	return s.conn.Read(p)
}

func (s *edcbSession) release() error {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	cmdErr := s.client.closeChannel(ctx, s.logicalID)
	connErr := s.conn.Close()
	if cmdErr != nil {
		return cmdErr
	}
	return connErr
}

// retune switches the reserved tuner process to another service, reusing the
// logical id. The data connection keeps delivering TS, now for the new
// service.
func (s *edcbSession) retune(ctx context.Context, ch Channel) error {
	status, _, err := s.client.roundTrip(ctx, cmdSetChannel, setChannelPayload(ch, s.logicalID))
	if err != nil {
		return fmt.Errorf("retune: %w", err)
	}
	if err := statusToError(status); err != nil {
		return fmt.Errorf("retune %s: %w", ch.DisplayID(), err)
	}
	return nil
}

func (s *edcbSession) describe() string {
	return fmt.Sprintf("edcb tuner process %d (logical id %d) via %s", s.processID, s.logicalID, s.client.addr)
}
