package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	mb "github.com/goburrow/modbus"
)

func main() {
	var (
		address  = flag.String("addr", "127.0.0.1:1502", "Modbus mirror address")
		unit     = flag.Int("unit", 1, "unit id (1-based device type index)")
		count    = flag.Int("count", 1, "number of registers to read")
		start    = flag.Int("start", 0, "first register")
		input    = flag.Bool("input", false, "read input registers instead of holding registers")
		write    = flag.String("write", "", "write register=value before reading, e.g. 0=2")
		interval = flag.Duration("interval", 0, "repeat the read at this interval (0 = once)")
	)
	flag.Parse()

	h := mb.NewTCPClientHandler(normalizeAddress(*address))
	h.Timeout = 5 * time.Second
	h.SlaveId = byte(*unit)
	if err := h.Connect(); err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer h.Close()
	client := mb.NewClient(h)

	if *write != "" {
		var reg, val uint16
		if _, err := fmt.Sscanf(*write, "%d=%d", &reg, &val); err != nil {
			log.Fatalf("invalid -write %q: want register=value", *write)
		}
		if _, err := client.WriteSingleRegister(reg, val); err != nil {
			log.Fatalf("write register %d: %v", reg, err)
		}
		fmt.Printf("wrote register %d = %d\n", reg, val)
	}

	for {
		var (
			data []byte
			err  error
		)
		if *input {
			data, err = client.ReadInputRegisters(uint16(*start), uint16(*count))
		} else {
			data, err = client.ReadHoldingRegisters(uint16(*start), uint16(*count))
		}
		if err != nil {
			log.Fatalf("read registers: %v", err)
		}
		for i := 0; i+1 < len(data); i += 2 {
			v := binary.BigEndian.Uint16(data[i : i+2])
			state := "unset"
			if v > 0 {
				state = fmt.Sprintf("value #%d", v-1)
			}
			fmt.Printf("unit %d register %d = %d (%s)\n", *unit, *start+i/2, v, state)
		}
		if *interval <= 0 {
			return
		}
		time.Sleep(*interval)
	}
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "tcp://")
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	return addr
}
