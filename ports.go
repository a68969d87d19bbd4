package main

import (
	"fmt"
	"io"

	"go.bug.st/serial/enumerator"
)

// ListPorts prints the serial ports found on this host, with USB details
// where available.
func ListPorts(w io.Writer) error {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return fmt.Errorf("list serial ports: %w", err)
	}
	return printPorts(w, ports)
}

func printPorts(w io.Writer, ports []*enumerator.PortDetails) error {
	if len(ports) == 0 {
		_, err := fmt.Fprintln(w, "No serial ports found!")
		return err
	}

	for _, port := range ports {
		if _, err := fmt.Fprintf(w, "Found port: %s\n", port.Name); err != nil {
			return err
		}
		if port.IsUSB {
			fmt.Fprintf(w, "   USB ID     %s:%s\n", port.VID, port.PID)
			fmt.Fprintf(w, "   USB serial %s\n", port.SerialNumber)
			if port.Product != "" {
				fmt.Fprintf(w, "   Product    %s\n", port.Product)
			}
		}
	}
	return nil
}
