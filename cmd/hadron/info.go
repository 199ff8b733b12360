package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.bug.st/serial"

	"github.com/gwillem/hadron/pkg/gamepad"
)

// maxServoID bounds the bus scan. The camera head uses two servos but
// spare IDs are common after replacing one.
const maxServoID = 10

type InfoCommand struct {
	BaudRate int `long:"baud" default:"1000000" description:"Servo bus baud rate"`
}

func (c *InfoCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("Hadron hardware"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━"))
	fmt.Println()

	fmt.Println(subHeaderStyle.Render("Servo buses"))
	buses := findServoBuses(c.BaudRate)
	if len(buses) == 0 {
		fmt.Println(dimStyle.Render("  none found"))
	}
	for _, b := range buses {
		b.bus.Close()
		fmt.Printf("  %s\n", b.port)
		for _, s := range b.servos {
			fmt.Printf("    id %d  model %v\n", s.ID, s.Model)
		}
	}
	fmt.Println()

	fmt.Println(subHeaderStyle.Render("Game controllers"))
	paths := gamepad.Detect()
	if len(paths) == 0 {
		fmt.Println(dimStyle.Render("  none found"))
	}
	for _, p := range paths {
		info, err := gamepad.Describe(p)
		if err != nil {
			fmt.Printf("  %s  %s\n", p, dimStyle.Render(err.Error()))
			continue
		}
		fmt.Printf("  %s  %q  %d axes, %d buttons\n", p, info.Name, info.Axes, info.Buttons)
	}
	return nil
}

type servoBus struct {
	port   string
	servos []feetech.FoundServo
	bus    *feetech.Bus
}

// findServoBuses scans every serial port for bus servos. The caller
// closes the returned buses.
func findServoBuses(baud int) []servoBus {
	ports, err := serial.GetPortsList()
	if err != nil {
		fmt.Printf("Error listing ports: %v\n", err)
		return nil
	}

	var found []servoBus
	for _, port := range ports {
		// Skip Bluetooth ports on macOS
		if strings.Contains(port, "Bluetooth") {
			continue
		}

		bus, err := feetech.NewBus(feetech.BusConfig{
			Port:     port,
			BaudRate: baud,
			Protocol: feetech.ProtocolSTS,
			Timeout:  100 * time.Millisecond,
		})
		if err != nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		servos, err := bus.Scan(ctx, 1, maxServoID)
		cancel()
		if err != nil || len(servos) == 0 {
			bus.Close()
			continue
		}
		found = append(found, servoBus{port: port, servos: servos, bus: bus})
	}
	return found
}
