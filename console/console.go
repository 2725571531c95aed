// Package console relays a user terminal to a guest connection with
// ctrl+] escape handling, in the style of classic serial consoles.
package console

import (
	"context"
	"errors"
	"io"
	"syscall"
)

// EscapeChar is ctrl+], the attention byte of the relay.
const EscapeChar = 0x1D

// escapeState tracks the two-state escape detection machine.
type escapeState int

const (
	stateNormal  escapeState = iota
	stateEscaped             // ctrl+] received, waiting for command char
)

const helpMsg = "\r\nSupported escape sequences:\r\n" +
	"  ^].  Disconnect\r\n" +
	"  ^]?  This help\r\n" +
	"  ^]^] Send ^]\r\n"

// Relay runs bidirectional I/O between the user's terminal and the guest
// connection until either side closes or the user types the disconnect
// escape. The caller is responsible for raw-mode handling.
func Relay(ctx context.Context, stdin io.Reader, stdout io.Writer, guest io.ReadWriter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2) //nolint:mnd

	// guest -> stdout
	go func() {
		_, err := io.Copy(stdout, guest)
		errCh <- err
		cancel()
	}()

	// stdin -> guest (with escape detection)
	go func() {
		err := relayInput(ctx, stdin, stdout, guest)
		errCh <- err
		cancel()
	}()

	select {
	case <-ctx.Done():
		select {
		case err := <-errCh:
			if err != nil && !isCleanExit(err) {
				return err
			}
		default:
		}
		return nil
	case err := <-errCh:
		if err == nil || isCleanExit(err) {
			select {
			case err2 := <-errCh:
				if err2 != nil && !isCleanExit(err2) {
					return err2
				}
			default:
			}
			return nil
		}
		return err
	}
}

// relayInput forwards stdin to the guest byte by byte, intercepting the
// escape sequences.
func relayInput(ctx context.Context, stdin io.Reader, stdout io.Writer, guest io.Writer) error {
	state := stateNormal
	buf := make([]byte, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := stdin.Read(buf)
		if n == 0 || err != nil {
			return err
		}
		b := buf[0]

		switch state {
		case stateNormal:
			if b == EscapeChar {
				state = stateEscaped
				continue
			}
			if _, werr := guest.Write(buf[:1]); werr != nil {
				return werr
			}

		case stateEscaped:
			state = stateNormal
			switch b {
			case '.':
				return nil // disconnect
			case '?':
				_, _ = stdout.Write([]byte(helpMsg))
			case EscapeChar:
				if _, werr := guest.Write([]byte{EscapeChar}); werr != nil {
					return werr
				}
			default:
				// Unrecognized: forward both bytes.
				if _, werr := guest.Write([]byte{EscapeChar, b}); werr != nil {
					return werr
				}
			}
		}
	}
}

// isCleanExit reports errors that mean a normal guest disconnect.
func isCleanExit(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) || errors.Is(err, io.ErrClosedPipe)
}
