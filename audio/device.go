package audio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

var ErrSelectionCancelled = errors.New("device selection cancelled")

// SelectDevice presents an interactive device picker and returns the selected device.
// If only one device is available, it returns that device without prompting.
// When stdin is not a terminal the picker falls back to a numbered prompt.
func SelectDevice(ctx Context) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}

	if len(devices) == 0 {
		return nil, fmt.Errorf("no capture devices found")
	}

	if len(devices) == 1 {
		return &devices[0], nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return pickByNumber(devices, os.Stdin, os.Stdout)
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	return pickInteractive(devices, os.Stdin, os.Stdout)
}

func renderPicker(w io.Writer, devices []DeviceInfo, cursor int) {
	fmt.Fprint(w, "\r\x1b[J")
	fmt.Fprint(w, "Select input device (↑/↓ or j/k, 1-9, Enter to confirm, q to cancel):\r\n\r\n")
	for i, d := range devices {
		if i == cursor {
			fmt.Fprintf(w, "  \x1b[1;36m▶ %d. %s\x1b[0m\r\n", i+1, d.Name)
		} else {
			fmt.Fprintf(w, "    %d. %s\r\n", i+1, d.Name)
		}
	}
}

// pickInteractive reads raw keystrokes from r.
func pickInteractive(devices []DeviceInfo, r io.Reader, w io.Writer) (*DeviceInfo, error) {
	in := bufio.NewReader(r)
	cursor := 0
	renderPicker(w, devices, cursor)

	for {
		b, err := in.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}

		switch {
		case b == '\r' || b == '\n':
			fmt.Fprint(w, "\r\n")
			return &devices[cursor], nil
		case b == 3 || b == 'q': // Ctrl+C
			fmt.Fprint(w, "\r\n")
			return nil, ErrSelectionCancelled
		case b == 'j':
			cursor = min(cursor+1, len(devices)-1)
		case b == 'k':
			cursor = max(cursor-1, 0)
		case b >= '1' && b <= '9':
			if i := int(b - '1'); i < len(devices) {
				cursor = i
			}
		case b == 0x1b:
			seq := make([]byte, 2)
			if _, err := io.ReadFull(in, seq); err != nil {
				return nil, fmt.Errorf("reading input: %w", err)
			}
			if seq[0] != '[' {
				continue
			}
			switch seq[1] {
			case 'A':
				cursor = max(cursor-1, 0)
			case 'B':
				cursor = min(cursor+1, len(devices)-1)
			}
		default:
			continue
		}

		fmt.Fprintf(w, "\x1b[%dA", len(devices)+2)
		renderPicker(w, devices, cursor)
	}
}

// pickByNumber prompts for a 1-based index on a line.
func pickByNumber(devices []DeviceInfo, r io.Reader, w io.Writer) (*DeviceInfo, error) {
	for i, d := range devices {
		fmt.Fprintf(w, "  %d. %s\n", i+1, d.Name)
	}
	fmt.Fprint(w, "Select input device: ")

	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" || line == "q" {
		return nil, ErrSelectionCancelled
	}
	n, err := strconv.Atoi(line)
	if err != nil || n < 1 || n > len(devices) {
		return nil, fmt.Errorf("invalid device number %q", line)
	}
	return &devices[n-1], nil
}
