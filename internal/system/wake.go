package system

import (
	"fmt"
	"sync"

	"relay-gateway/internal/logger"

	gpiod "github.com/warthog618/go-gpiocdev"
)

// WakePin reads the GPIO line that signals a pin wake-up. A pin held high at
// startup means the host was woken by the pin.
type WakePin struct {
	mu   sync.Mutex
	chip *gpiod.Chip
	line *gpiod.Line
	pin  int
}

// OpenWakePin opens chip and requests pin as an input. onWake, if non-nil, runs
// on every rising edge.
func OpenWakePin(chipName string, pin int, onWake func()) (*WakePin, error) {
	chip, err := gpiod.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open chip %s: %w", chipName, err)
	}

	opts := []gpiod.LineReqOption{gpiod.AsInput}
	if onWake != nil {
		opts = append(opts,
			gpiod.WithRisingEdge,
			gpiod.WithEventHandler(func(evt gpiod.LineEvent) {
				if evt.Type == gpiod.LineEventRisingEdge {
					logger.Info("System: Wake pin %d asserted.", pin)
					onWake()
				}
			}),
		)
	}
	line, err := chip.RequestLine(pin, opts...)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request wake pin %d: %w", pin, err)
	}
	return &WakePin{chip: chip, line: line, pin: pin}, nil
}

// WasWokenByPin reports whether the wake pin is currently asserted.
func (w *WakePin) WasWokenByPin() bool {
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.line == nil {
		return false
	}
	v, err := w.line.Value()
	if err != nil {
		logger.Warn("System: Could not read wake pin %d: %v", w.pin, err)
		return false
	}
	return v == 1
}

// Close releases the line and the chip.
func (w *WakePin) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	if w.line != nil {
		if err := w.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close wake line: %w", err))
		}
		w.line = nil
	}
	if w.chip != nil {
		if err := w.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		w.chip = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}
