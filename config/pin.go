package config

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	PinPeriph   = "periph"
	PinGobot    = "gobot"
	PinMCP2221  = "mcp2221"
	PinMCP23017 = "mcp23017"
)

// PinRef names a reset or data-ready line:
//
//	GPIO17 or periph:GPIO17   host pin through periph
//	gobot:7                   header pin of the gobot adaptor
//	mcp2221:GP2               MCP2221 GPIO
//	mcp23017:0x21:B3          MCP23017 expander pin
type PinRef struct {
	Kind    string
	Name    string
	Address uint8
	Port    string
	Bit     uint8
}

func (p PinRef) String() string {
	switch p.Kind {
	case PinMCP2221:
		return fmt.Sprintf("mcp2221:GP%d", p.Bit)
	case PinMCP23017:
		return fmt.Sprintf("mcp23017:%#x:%s%d", p.Address, p.Port, p.Bit)
	default:
		return p.Kind + ":" + p.Name
	}
}

func ParsePin(s string) (PinRef, error) {
	kind, rest, found := strings.Cut(s, ":")
	if !found {
		return PinRef{Kind: PinPeriph, Name: s}, nil
	}
	switch strings.ToLower(kind) {
	case PinPeriph, PinGobot:
		if rest == "" {
			return PinRef{}, fmt.Errorf("pin %q: missing name", s)
		}
		return PinRef{Kind: strings.ToLower(kind), Name: rest}, nil
	case PinMCP2221:
		n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToUpper(rest), "GP"), 10, 8)
		if err != nil || n > 3 {
			return PinRef{}, fmt.Errorf("pin %q: mcp2221 has GP0 to GP3", s)
		}
		return PinRef{Kind: PinMCP2221, Bit: uint8(n)}, nil
	case PinMCP23017:
		addr, pin, found := strings.Cut(rest, ":")
		if !found || len(pin) != 2 {
			return PinRef{}, fmt.Errorf("pin %q: want mcp23017:<address>:<A|B><0-7>", s)
		}
		a, err := strconv.ParseUint(addr, 0, 8)
		if err != nil {
			return PinRef{}, fmt.Errorf("pin %q: bad address: %w", s, err)
		}
		port := strings.ToUpper(pin[:1])
		if port != "A" && port != "B" {
			return PinRef{}, fmt.Errorf("pin %q: no port %s", s, port)
		}
		bit := pin[1] - '0'
		if bit > 7 {
			return PinRef{}, fmt.Errorf("pin %q: no bit %c", s, pin[1])
		}
		return PinRef{Kind: PinMCP23017, Address: uint8(a), Port: port, Bit: bit}, nil
	default:
		return PinRef{}, fmt.Errorf("pin %q: unknown kind %s", s, kind)
	}
}
