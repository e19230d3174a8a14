// Package ptz decodes and builds the GB/T 28181 front-end PTZ control frame
// (标准附录 A.3,8 字节指令).
package ptz

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// 指令字节1: 0xA5
// 指令字节2: 组合码1(高4位) + 版本号(低4位)
// 指令字节3: 组合码2(高4位) + PTZ设备地址(低4位)
// 指令字节4: 控制指令位图
// 指令字节5: 水平速度(0-255)
// 指令字节6: 垂直速度(0-255)
// 指令字节7: 变倍速度(高4位) + 保留(低4位)
// 指令字节8: 校验码(前7字节相加取低8位)
const (
	frameLen  = 8
	byteSync  = 0xA5
	byteComb1 = 0x0F
	byteAddr  = 0x01
)

// 指令位图 (字节4)
const (
	bitRight     = 0x01
	bitLeft      = 0x02
	bitDown      = 0x04
	bitUp        = 0x08
	bitZoomIn    = 0x10
	bitZoomOut   = 0x20
	bitFocusFar  = 0x40
	bitFocusNear = 0x80
)

// ErrChecksum reports a frame whose trailing byte does not match the sum of
// the first seven. Such frames are ignored (the command ack still goes out).
var ErrChecksum = errors.New("ptz frame checksum mismatch")

// ErrFrame reports a frame that is not 8 valid hex bytes starting with 0xA5.
var ErrFrame = errors.New("invalid ptz frame")

// Command is one decoded PTZ instruction. All-false movement means stop.
type Command struct {
	Up, Down, Left, Right bool
	ZoomIn, ZoomOut       bool
	FocusFar, FocusNear   bool

	PanSpeed  uint8 // 0-255
	TiltSpeed uint8 // 0-255
	ZoomSpeed uint8 // 0-15
}

// IsStop reports whether the frame commands no movement at all.
func (c *Command) IsStop() bool {
	return !c.Up && !c.Down && !c.Left && !c.Right &&
		!c.ZoomIn && !c.ZoomOut && !c.FocusFar && !c.FocusNear
}

// String renders the command for logs, e.g. "left-up pan=128 tilt=128".
func (c *Command) String() string {
	if c.IsStop() {
		return "stop"
	}
	var parts []string
	dir := ""
	if c.Left {
		dir = "left"
	} else if c.Right {
		dir = "right"
	}
	if c.Up {
		if dir != "" {
			dir += "-up"
		} else {
			dir = "up"
		}
	} else if c.Down {
		if dir != "" {
			dir += "-down"
		} else {
			dir = "down"
		}
	}
	if dir != "" {
		parts = append(parts, fmt.Sprintf("%s pan=%d tilt=%d", dir, c.PanSpeed, c.TiltSpeed))
	}
	if c.ZoomIn {
		parts = append(parts, fmt.Sprintf("zoom-in speed=%d", c.ZoomSpeed))
	}
	if c.ZoomOut {
		parts = append(parts, fmt.Sprintf("zoom-out speed=%d", c.ZoomSpeed))
	}
	if c.FocusFar {
		parts = append(parts, "focus-far")
	}
	if c.FocusNear {
		parts = append(parts, "focus-near")
	}
	return strings.Join(parts, " ")
}

// Decode parses the hex string carried in the PTZCmd XML element.
func Decode(s string) (*Command, error) {
	s = strings.TrimSpace(s)
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: not hex: %q", ErrFrame, s)
	}
	if len(raw) != frameLen {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrFrame, len(raw), frameLen)
	}
	if raw[0] != byteSync {
		return nil, fmt.Errorf("%w: bad sync byte 0x%02X", ErrFrame, raw[0])
	}

	var sum byte
	for _, b := range raw[:7] {
		sum += b
	}
	if sum != raw[7] {
		return nil, fmt.Errorf("%w: computed 0x%02X, frame has 0x%02X", ErrChecksum, sum, raw[7])
	}

	cmd := raw[3]
	return &Command{
		Right:     cmd&bitRight != 0,
		Left:      cmd&bitLeft != 0,
		Down:      cmd&bitDown != 0,
		Up:        cmd&bitUp != 0,
		ZoomIn:    cmd&bitZoomIn != 0,
		ZoomOut:   cmd&bitZoomOut != 0,
		FocusFar:  cmd&bitFocusFar != 0,
		FocusNear: cmd&bitFocusNear != 0,
		PanSpeed:  raw[4],
		TiltSpeed: raw[5],
		ZoomSpeed: raw[6] >> 4,
	}, nil
}

// Encode builds the hex frame for a command. Mainly used by tests and by
// tooling that drives a simulated platform.
func (c *Command) Encode() string {
	var cmd byte
	if c.Right {
		cmd |= bitRight
	}
	if c.Left {
		cmd |= bitLeft
	}
	if c.Down {
		cmd |= bitDown
	}
	if c.Up {
		cmd |= bitUp
	}
	if c.ZoomIn {
		cmd |= bitZoomIn
	}
	if c.ZoomOut {
		cmd |= bitZoomOut
	}
	if c.FocusFar {
		cmd |= bitFocusFar
	}
	if c.FocusNear {
		cmd |= bitFocusNear
	}

	b := [frameLen]byte{byteSync, byteComb1, byteAddr, cmd,
		c.PanSpeed, c.TiltSpeed, (c.ZoomSpeed & 0x0F) << 4, 0}
	for _, v := range b[:7] {
		b[7] += v
	}
	return strings.ToUpper(hex.EncodeToString(b[:]))
}
