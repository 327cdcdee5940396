// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package scsi

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/siderolabs/go-usbstorage/usb"
)

// Engine errors.
var (
	// ErrMediumNotPresent indicates the device reported no medium in the
	// drive. Commands to that unit will not succeed until the medium is
	// reinserted, so callers should stop retrying.
	ErrMediumNotPresent = errors.New("medium not present")

	// ErrPhase indicates a protocol-level failure (bad signature, tag
	// mismatch) that triggered reset recovery.
	ErrPhase = errors.New("transport phase error")
)

// retryDelay is the pause before retrying a command the device reported as
// temporarily unserviceable.
const retryDelay = 100 * time.Millisecond

// Engine executes SCSI commands over a pair of bulk pipes using the
// Bulk-Only Transport framing.
type Engine struct {
	in, out         *usb.Session
	dataIn, dataOut *usb.Session
	reset           func() error

	chunkSize int

	logger *zap.Logger
}

// Options configure an Engine.
type Options struct {
	Logger *zap.Logger

	DataIn, DataOut *usb.Session
}

// Option is a function that sets some option.
type Option func(*Options)

// WithLogger sets the logger for the engine.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithDataPipes routes the data phase over dedicated pipes, as bound for the
// alternate high-performance transport. Without this option data shares the
// command/status pipes, the baseline Bulk-Only arrangement.
func WithDataPipes(dataIn, dataOut *usb.Session) Option {
	return func(o *Options) {
		o.DataIn = dataIn
		o.DataOut = dataOut
	}
}

// NewEngine builds an engine over the given in/out bulk sessions.
//
// reset issues the class-specific mass-storage reset control request;
// chunkSize bounds a single data-phase transfer and should match the drive's
// transfer buffer size.
func NewEngine(in, out *usb.Session, reset func() error, chunkSize int, opts ...Option) *Engine {
	options := Options{
		Logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	e := &Engine{
		in:        in,
		out:       out,
		dataIn:    in,
		dataOut:   out,
		reset:     reset,
		chunkSize: chunkSize,
		logger:    options.Logger,
	}

	if options.DataIn != nil {
		e.dataIn = options.DataIn
	}

	if options.DataOut != nil {
		e.dataOut = options.DataOut
	}

	return e
}

// Execute runs one SCSI command with the Bulk-Only three-phase exchange.
//
// len(buf) is the expected transfer length; for DataNone it must be empty.
// On a device-reported failure the engine issues Request Sense and either
// treats the condition as benign, retries the original command exactly once,
// or fails. The total retry budget is explicit, not recursive.
func (e *Engine) Execute(lun uint8, cdb []byte, dir Direction, buf []byte) error {
	retries := 1

	for {
		err := e.executeOnce(lun, cdb, dir, buf, true)
		if err == nil {
			return nil
		}

		var senseErr *Error
		if errors.As(err, &senseErr) && senseErr.Sense.Retryable() && retries > 0 {
			retries--

			e.logger.Debug("retrying command after sense",
				zap.Uint8("opcode", cdb[0]),
				zap.Uint8("sense_key", senseErr.Sense.Key))

			time.Sleep(retryDelay)

			continue
		}

		return err
	}
}

// executeOnce performs a single exchange including the Request Sense round.
// senseAllowed is false only when the command being executed is Request
// Sense itself, to avoid recursion.
func (e *Engine) executeOnce(lun uint8, cdb []byte, dir Direction, buf []byte, senseAllowed bool) error {
	csw, transferred, err := e.exchange(lun, cdb, dir, buf)
	if err != nil {
		return err
	}

	if csw.Status == StatusPassed {
		return nil
	}

	// a phase-error status means the device lost track of the exchange;
	// sense data is meaningless, only reset recovery restores the pipes
	if csw.Status == StatusPhaseError {
		e.resetRecovery()

		return fmt.Errorf("phase error status: %w", ErrPhase)
	}

	// command failed: ask the device why, unless the failing command was
	// Request Sense
	if !senseAllowed {
		return &Error{}
	}

	sense, err := e.requestSense(lun)
	if err != nil {
		return fmt.Errorf("request sense failed after status %d: %w", csw.Status, err)
	}

	switch {
	case sense.Benign():
		if transferred == len(buf) {
			return nil
		}

		return &Error{Sense: sense}
	case sense.MediumNotPresent():
		return fmt.Errorf("%w: sense key %#02x", ErrMediumNotPresent, sense.Key)
	default:
		return &Error{Sense: sense}
	}
}

// exchange drives command, data and status phases for one command. It
// returns the decoded status wrapper and the number of data bytes actually
// moved for the caller.
func (e *Engine) exchange(lun uint8, cdb []byte, dir Direction, buf []byte) (CSW, int, error) {
	cbw := CBW{
		Tag:            rand.Uint32(),
		TransferLength: uint32(len(buf)),
		Flags:          CBWFlagDataOut,
		LUN:            lun,
		CDB:            cdb,
	}

	if dir == DataIn {
		cbw.Flags = CBWFlagDataIn
	}

	// command phase
	n, err := e.out.Transfer(cbw.Encode(), usb.BulkTimeout)
	if err != nil || n != CBWSize {
		if halted, _ := e.out.HaltStatus(); halted || errors.Is(err, usb.ErrStall) {
			e.resetRecovery()
		}

		return CSW{}, 0, fmt.Errorf("failed to send command wrapper: %w", err)
	}

	// data phase
	transferred, earlyCSW, err := e.dataPhase(cbw.Tag, dir, buf)
	if err != nil {
		return CSW{}, transferred, err
	}

	if earlyCSW != nil {
		return *earlyCSW, transferred, nil
	}

	// status phase
	csw, err := e.statusPhase(cbw.Tag)
	if err != nil {
		return CSW{}, transferred, err
	}

	return csw, transferred, nil
}

// dataPhase moves the command's data in chunks bounded by the transfer
// buffer size. If a short receive turns out to hold a valid, tag-matching
// status wrapper the device skipped straight to status; the wrapper is
// returned and the remaining data phase is abandoned.
func (e *Engine) dataPhase(tag uint32, dir Direction, buf []byte) (int, *CSW, error) {
	if dir == DataNone || len(buf) == 0 {
		return 0, nil, nil
	}

	sess := e.dataOut
	if dir == DataIn {
		sess = e.dataIn
	}

	transferred := 0

	for transferred < len(buf) {
		chunk := buf[transferred:]
		if len(chunk) > e.chunkSize {
			chunk = chunk[:e.chunkSize]
		}

		n, err := sess.Transfer(chunk, usb.BulkTimeout)

		if err == nil && n == len(chunk) {
			transferred += n

			continue
		}

		// short or failed chunk: the device may have sent the status
		// wrapper in place of data
		if dir == DataIn && n >= CSWSize {
			if csw, ok := ExtractCSW(chunk[:n], tag); ok {
				return transferred, &csw, nil
			}
		}

		if errors.Is(err, usb.ErrStall) {
			// clean STALL ends the data phase; status is still
			// expected after clearing the pipe
			if clearErr := sess.ClearHalt(); clearErr != nil {
				e.resetRecovery()

				return transferred, nil, fmt.Errorf("failed to clear data pipe halt: %w", clearErr)
			}

			return transferred + n, nil, nil
		}

		if err != nil {
			e.resetRecovery()

			return transferred, nil, fmt.Errorf("data phase failed: %w", err)
		}

		// short but clean receive: device has no more data
		return transferred + n, nil, nil
	}

	return transferred, nil, nil
}

// statusPhase reads and validates the command status wrapper. An invalid
// wrapper (signature or tag mismatch) always triggers reset recovery.
func (e *Engine) statusPhase(tag uint32) (CSW, error) {
	buf := make([]byte, CSWSize)

	n, err := e.in.Transfer(buf, usb.BulkTimeout)
	if errors.Is(err, usb.ErrStall) {
		// one clear-and-retry is allowed before the reset hammer
		if clearErr := e.in.ClearHalt(); clearErr == nil {
			n, err = e.in.Transfer(buf, usb.BulkTimeout)
		}
	}

	if err != nil || n != CSWSize {
		e.resetRecovery()

		return CSW{}, fmt.Errorf("failed to read status wrapper: %w", errOr(err, ErrPhase))
	}

	csw, decodeErr := DecodeCSW(buf)
	if decodeErr != nil || csw.Tag != tag {
		e.resetRecovery()

		return CSW{}, fmt.Errorf("invalid status wrapper: %w", ErrPhase)
	}

	return csw, nil
}

// requestSense fetches and parses sense data for the previous command.
func (e *Engine) requestSense(lun uint8) (Sense, error) {
	buf := make([]byte, SenseDataSize)

	if err := e.executeOnce(lun, RequestSenseCDB(SenseDataSize), DataIn, buf, false); err != nil {
		return Sense{}, err
	}

	return ParseSense(buf), nil
}

// resetRecovery performs the Bulk-Only reset sequence: a mass-storage reset
// control request followed by clearing halts on both pipes.
func (e *Engine) resetRecovery() {
	if err := e.reset(); err != nil {
		e.logger.Warn("mass storage reset failed", zap.Error(err))
	}

	if err := e.in.ClearHalt(); err != nil {
		e.logger.Warn("failed to clear halt on in pipe", zap.Error(err))
	}

	if err := e.out.ClearHalt(); err != nil {
		e.logger.Warn("failed to clear halt on out pipe", zap.Error(err))
	}
}

func errOr(err, fallback error) error {
	if err != nil {
		return err
	}

	return fallback
}
