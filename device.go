package main

import (
	"fmt"
	"os"

	"aria/audio"

	"golang.org/x/term"
)

// selectDevice prompts for a capture device when more than one is
// available. Bluetooth inputs are flagged since their latency hurts a
// live voice loop.
func selectDevice(ctx audio.Context) (*audio.DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}

	switch len(devices) {
	case 0:
		return nil, fmt.Errorf("no capture devices found")
	case 1:
		fmt.Printf("Using microphone: %s\n", devices[0].Name)
		return &devices[0], nil
	}

	// Raw mode for arrow key input
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	label := func(d audio.DeviceInfo) string {
		if audio.IsBluetooth(d.Name) {
			return d.Name + " \x1b[33m(bluetooth, adds latency)\x1b[0m"
		}
		return d.Name
	}

	cursor := 0
	renderList := func() {
		fmt.Print("\r\x1b[J") // clear from cursor to end
		fmt.Print("Select microphone (↑/↓ or 1-9, Enter to confirm):\r\n\r\n")
		for i, d := range devices {
			if i == cursor {
				fmt.Printf("  \x1b[1;36m▶ %d. %s\x1b[0m\r\n", i+1, label(d))
			} else {
				fmt.Printf("    %d. %s\r\n", i+1, label(d))
			}
		}
	}

	renderList()

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}

		if n == 1 {
			switch {
			case buf[0] == 13: // Enter
				fmt.Printf("\r\n")
				term.Restore(fd, oldState)
				return &devices[cursor], nil
			case buf[0] == 3: // Ctrl+C
				fmt.Printf("\r\n")
				term.Restore(fd, oldState)
				os.Exit(0)
			case buf[0] == 'j':
				if cursor < len(devices)-1 {
					cursor++
				}
			case buf[0] == 'k':
				if cursor > 0 {
					cursor--
				}
			case buf[0] >= '1' && buf[0] <= '9':
				// Number keys pick and confirm in one stroke.
				if idx := int(buf[0] - '1'); idx < len(devices) {
					fmt.Printf("\r\n")
					term.Restore(fd, oldState)
					return &devices[idx], nil
				}
			}
		} else if n == 3 && buf[0] == 0x1b && buf[1] == '[' {
			switch buf[2] {
			case 'A': // Up arrow
				if cursor > 0 {
					cursor--
				}
			case 'B': // Down arrow
				if cursor < len(devices)-1 {
					cursor++
				}
			}
		}

		// Redraw: move up to overwrite
		lines := len(devices) + 2
		fmt.Printf("\x1b[%dA", lines)
		renderList()
	}
}
